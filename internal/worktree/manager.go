package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/common/logger"
)

// Worktree describes a created worktree. The path doubles as the execution
// container reference persisted on attempt and run rows.
type Worktree struct {
	Path       string
	Branch     string
	BaseBranch string
}

// CreateRequest describes a worktree to create.
type CreateRequest struct {
	// RepoPath is the main repository the worktree is added to.
	RepoPath string

	// ID is the attempt or run ID. Its first 8 characters disambiguate the
	// worktree directory; it is also the naming fallback when Title is empty.
	ID string

	// Title is the task title used for semantic branch and directory names.
	Title string

	// BaseBranch is the branch the new worktree branch starts from.
	BaseBranch string

	// BranchName, when set, is used verbatim instead of a generated name.
	BranchName string

	// BranchPrefix overrides the configured prefix for generated names.
	BranchPrefix string
}

// Validate checks the request fields that have no usable fallback.
func (r *CreateRequest) Validate() error {
	if r.RepoPath == "" {
		return fmt.Errorf("repo path is required")
	}
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.BaseBranch == "" {
		return fmt.Errorf("base branch is required")
	}
	return nil
}

// Manager creates and removes git worktrees. Worktree mutations against the
// same repository are serialized with a per-repository mutex.
type Manager struct {
	config Config
	logger *logger.Logger

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewManager creates a worktree manager and ensures the base directory exists.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// repoLock returns the mutex serializing worktree mutations for one repository.
func (m *Manager) repoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// Create adds a new worktree with its own branch off the base branch.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if !m.isGitRepo(req.RepoPath) {
		return nil, ErrRepoNotGit
	}
	if !m.branchExists(req.RepoPath, req.BaseBranch) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, req.BaseBranch)
	}

	dirName, branchName := m.names(req)

	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	worktreePath := filepath.Join(basePath, dirName)

	if _, err := os.Stat(worktreePath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeExists, worktreePath)
	}
	if m.branchExists(req.RepoPath, branchName) {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branchName)
	}

	lock := m.repoLock(req.RepoPath)
	lock.Lock()
	defer lock.Unlock()

	cmd := exec.CommandContext(ctx, "git", "worktree", "add",
		"-b", branchName,
		worktreePath,
		req.BaseBranch)
	cmd.Dir = req.RepoPath

	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("output", string(output)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}

	m.logger.Info("created worktree",
		zap.String("id", req.ID),
		zap.String("path", worktreePath),
		zap.String("branch", branchName))

	return &Worktree{
		Path:       worktreePath,
		Branch:     branchName,
		BaseBranch: req.BaseBranch,
	}, nil
}

// names derives the worktree directory and branch names for a request.
func (m *Manager) names(req CreateRequest) (dirName, branchName string) {
	dirSuffix := req.ID
	if len(dirSuffix) > 8 {
		dirSuffix = dirSuffix[:8]
	}

	if req.Title != "" {
		dirName = SemanticWorktreeName(req.Title, dirSuffix)
	} else {
		dirName = req.ID + "_" + dirSuffix
	}

	if req.BranchName != "" {
		return dirName, req.BranchName
	}

	prefix := NormalizeBranchPrefix(req.BranchPrefix)
	if req.BranchPrefix == "" {
		prefix = m.config.BranchPrefix
	}

	name := SanitizeForBranch(req.Title, 20)
	if name == "" {
		name = SanitizeForBranch(req.ID, 20)
	}
	return dirName, prefix + name + "-" + SmallSuffix(3)
}

// IsValid checks that a worktree directory exists and is linked to a
// repository. Worktrees have a .git file containing "gitdir: <path>", not a
// .git directory.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// Branch returns the branch checked out in a worktree.
func (m *Manager) Branch(ctx context.Context, worktreePath string) (string, error) {
	if !m.IsValid(worktreePath) {
		return "", ErrWorktreeNotFound
	}
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = worktreePath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

// Remove deletes a worktree directory and, when cleanupOnRemove is set, its
// branch. Removal is best-effort idempotent: a missing worktree is not an
// error.
func (m *Manager) Remove(ctx context.Context, repoPath, worktreePath string) error {
	lock := m.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	// Resolve the branch before the directory disappears.
	var branch string
	if m.config.CleanupOnRemove {
		if b, err := m.worktreeBranch(ctx, worktreePath); err == nil {
			branch = b
		}
	}

	if err := m.removeWorktreeDir(ctx, worktreePath, repoPath); err != nil {
		return err
	}

	if branch != "" {
		cmd := exec.CommandContext(ctx, "git", "branch", "-D", branch)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			m.logger.Warn("failed to delete worktree branch",
				zap.String("branch", branch),
				zap.String("output", string(output)),
				zap.Error(err))
		}
	}

	m.logger.Info("removed worktree",
		zap.String("path", worktreePath),
		zap.String("branch", branch))

	return nil
}

func (m *Manager) worktreeBranch(ctx context.Context, worktreePath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = worktreePath
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// removeWorktreeDir removes a worktree directory using git worktree remove,
// falling back to direct removal plus prune when git refuses.
func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}

		cmd = exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = repoPath
		if err := cmd.Run(); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

// isGitRepo checks whether a path is a git repository. .git can be a
// directory (regular repo) or a file (linked worktree).
func (m *Manager) isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// branchExists checks whether a ref resolves in the repository.
func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}
