package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeboard/forgeboard/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func setupRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	runGit(t, repo, "init", "-b", "main")
	runGit(t, repo, "config", "user.email", "dev@example.com")
	runGit(t, repo, "config", "user.name", "dev")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("hello"), 0o644))
	runGit(t, repo, "add", "README.md")
	runGit(t, repo, "commit", "-m", "initial commit")
	return repo
}

func newTestManager(t *testing.T, cleanup bool) *Manager {
	t.Helper()
	mgr, err := NewManager(Config{
		BasePath:        t.TempDir(),
		BranchPrefix:    "forge/",
		CleanupOnRemove: cleanup,
	}, newTestLogger(t))
	require.NoError(t, err)
	return mgr
}

func TestCreateWorktree(t *testing.T) {
	repo := setupRepo(t)
	mgr := newTestManager(t, false)
	ctx := context.Background()

	wt, err := mgr.Create(ctx, CreateRequest{
		RepoPath:   repo,
		ID:         "a1b2c3d4e5f6",
		Title:      "Fix login bug",
		BaseBranch: "main",
	})
	require.NoError(t, err)

	assert.True(t, mgr.IsValid(wt.Path))
	assert.True(t, strings.HasPrefix(wt.Branch, "forge/fix-login-bug-"))
	assert.Contains(t, filepath.Base(wt.Path), "fix-login-bug_a1b2c3d4")
	assert.Equal(t, "main", wt.BaseBranch)

	// The new branch is checked out in the worktree
	branch, err := mgr.Branch(ctx, wt.Path)
	require.NoError(t, err)
	assert.Equal(t, wt.Branch, branch)
}

func TestCreateWorktreeExplicitBranchName(t *testing.T) {
	repo := setupRepo(t)
	mgr := newTestManager(t, false)

	wt, err := mgr.Create(context.Background(), CreateRequest{
		RepoPath:   repo,
		ID:         "run-0001-ffff",
		BaseBranch: "main",
		BranchName: "run/run-0001",
	})
	require.NoError(t, err)
	assert.Equal(t, "run/run-0001", wt.Branch)
}

func TestCreateWorktreeRejectsNonRepo(t *testing.T) {
	mgr := newTestManager(t, false)

	_, err := mgr.Create(context.Background(), CreateRequest{
		RepoPath:   t.TempDir(),
		ID:         "a1b2c3d4",
		BaseBranch: "main",
	})
	assert.ErrorIs(t, err, ErrRepoNotGit)
}

func TestCreateWorktreeRejectsMissingBaseBranch(t *testing.T) {
	repo := setupRepo(t)
	mgr := newTestManager(t, false)

	_, err := mgr.Create(context.Background(), CreateRequest{
		RepoPath:   repo,
		ID:         "a1b2c3d4",
		BaseBranch: "does-not-exist",
	})
	assert.ErrorIs(t, err, ErrInvalidBaseBranch)
}

func TestCreateWorktreeRejectsExistingBranch(t *testing.T) {
	repo := setupRepo(t)
	runGit(t, repo, "branch", "run/dup")
	mgr := newTestManager(t, false)

	_, err := mgr.Create(context.Background(), CreateRequest{
		RepoPath:   repo,
		ID:         "a1b2c3d4",
		BaseBranch: "main",
		BranchName: "run/dup",
	})
	assert.ErrorIs(t, err, ErrBranchExists)
}

func TestRemoveWorktree(t *testing.T) {
	repo := setupRepo(t)
	mgr := newTestManager(t, false)
	ctx := context.Background()

	wt, err := mgr.Create(ctx, CreateRequest{
		RepoPath:   repo,
		ID:         "a1b2c3d4",
		Title:      "Remove me",
		BaseBranch: "main",
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(ctx, repo, wt.Path))
	assert.False(t, mgr.IsValid(wt.Path))
	_, err = os.Stat(wt.Path)
	assert.True(t, os.IsNotExist(err))

	// Without cleanupOnRemove the branch survives
	runGit(t, repo, "rev-parse", "--verify", wt.Branch)
}

func TestRemoveWorktreeDeletesBranchWhenConfigured(t *testing.T) {
	repo := setupRepo(t)
	mgr := newTestManager(t, true)
	ctx := context.Background()

	wt, err := mgr.Create(ctx, CreateRequest{
		RepoPath:   repo,
		ID:         "a1b2c3d4",
		Title:      "Cleanup branch",
		BaseBranch: "main",
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(ctx, repo, wt.Path))

	cmd := exec.Command("git", "rev-parse", "--verify", wt.Branch)
	cmd.Dir = repo
	assert.Error(t, cmd.Run())
}

func TestRemoveWorktreeIdempotent(t *testing.T) {
	repo := setupRepo(t)
	mgr := newTestManager(t, false)
	ctx := context.Background()

	wt, err := mgr.Create(ctx, CreateRequest{
		RepoPath:   repo,
		ID:         "a1b2c3d4",
		BaseBranch: "main",
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(ctx, repo, wt.Path))
	require.NoError(t, mgr.Remove(ctx, repo, wt.Path))
}

func TestIsValid(t *testing.T) {
	mgr := newTestManager(t, false)

	assert.False(t, mgr.IsValid(filepath.Join(t.TempDir(), "missing")))

	// A plain directory without a gitdir link is not a worktree
	dir := t.TempDir()
	assert.False(t, mgr.IsValid(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git"), []byte("gitdir: /somewhere/else\n"), 0o644))
	assert.True(t, mgr.IsValid(dir))
}

func TestSanitizeForBranch(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"simple", "Fix login bug", 20, "fix-login-bug"},
		{"special chars", "Add OAuth2.0 support!!", 20, "add-oauth2-0-support"},
		{"consecutive separators", "a -- b", 20, "a-b"},
		{"truncation", "a very long task title that keeps going", 10, "a-very-lon"},
		{"empty", "", 20, ""},
		{"all special", "!!!", 20, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeForBranch(tt.in, tt.max))
		})
	}
}

func TestSemanticWorktreeName(t *testing.T) {
	assert.Equal(t, "fix-login-bug_ab12cd34", SemanticWorktreeName("Fix login bug", "ab12cd34"))
	assert.Equal(t, "ab12cd34", SemanticWorktreeName("", "ab12cd34"))
	assert.Equal(t, "ab12cd34", SemanticWorktreeName("!!!", "ab12cd34"))
}

func TestSmallSuffix(t *testing.T) {
	assert.Len(t, SmallSuffix(3), 3)
	assert.Len(t, SmallSuffix(10), 3)
	assert.Empty(t, SmallSuffix(0))

	for _, r := range SmallSuffix(3) {
		assert.Contains(t, branchSuffixAlphabet, string(r))
	}
}

func TestValidateBranchPrefix(t *testing.T) {
	assert.NoError(t, ValidateBranchPrefix("forge/"))
	assert.NoError(t, ValidateBranchPrefix(""))
	assert.Error(t, ValidateBranchPrefix("bad prefix/"))
	assert.Error(t, ValidateBranchPrefix("a..b/"))
	assert.Error(t, ValidateBranchPrefix("a@{b/"))
}
