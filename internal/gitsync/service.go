package gitsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/common/logger"
	"github.com/forgeboard/forgeboard/internal/tracing"
)

// Service reconciles local repositories against their upstreams.
// Working-tree mutations (pulls) are serialized per repository.
type Service struct {
	cli    *Cli
	logger *logger.Logger
	remote string

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// NewService creates a git sync service. remote is the remote name used for
// refspecs, normally "origin".
func NewService(cli *Cli, remote string, log *logger.Logger) *Service {
	if remote == "" {
		remote = "origin"
	}
	return &Service{
		cli:       cli,
		logger:    log,
		remote:    remote,
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// repoLock returns the mutex serializing working-tree mutations for one repo.
func (s *Service) repoLock(repoPath string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.repoLocks[repoPath]
	if !ok {
		lock = &sync.Mutex{}
		s.repoLocks[repoPath] = lock
	}
	return lock
}

// TrackedBranches returns local branches with a configured upstream. Fetch
// scope is bounded to these branches.
func (s *Service) TrackedBranches(ctx context.Context, repoPath string) ([]TrackedBranch, error) {
	return s.cli.TrackedBranches(ctx, repoPath)
}

// Fetch fetches every tracked branch with an explicit refspec over a
// token-authenticated HTTPS transport. Branches without upstream are never
// touched.
func (s *Service) Fetch(ctx context.Context, repoPath, token string) (*FetchResult, error) {
	ctx, span := tracing.Tracer("forgeboard-gitsync").Start(ctx, "gitsync.Fetch")
	defer span.End()

	start := time.Now()

	branches, err := s.cli.TrackedBranches(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	remoteURL, err := s.cli.RemoteURL(ctx, repoPath, s.remote)
	if err != nil {
		return nil, err
	}
	fetchURL, err := AuthenticatedURL(remoteURL, token)
	if err != nil {
		return nil, err
	}

	for _, branch := range branches {
		if err := s.cli.FetchBranch(ctx, repoPath, fetchURL, s.remote, branch.Name); err != nil {
			return nil, fmt.Errorf("fetching branch %s: %w", branch.Name, err)
		}
	}

	result := &FetchResult{
		BranchesFetched: len(branches),
		DurationMS:      time.Since(start).Milliseconds(),
	}

	s.logger.Info("Fetched tracked branches",
		zap.String("repo", repoPath),
		zap.Int("branches", result.BranchesFetched),
		zap.Int64("duration_ms", result.DurationMS))

	return result, nil
}

// SyncStatus computes ahead/behind for every tracked branch. Counts are never
// cached: this call is the ground truth for pull/push affordances.
func (s *Service) SyncStatus(ctx context.Context, repoPath string) (*ProjectSyncStatus, error) {
	branches, err := s.cli.TrackedBranches(ctx, repoPath)
	if err != nil {
		return nil, err
	}

	status := &ProjectSyncStatus{Branches: make([]BranchSyncStatus, 0, len(branches))}
	for _, branch := range branches {
		branchStatus, err := s.branchStatus(ctx, repoPath, branch.Name, branch.Upstream)
		if err != nil {
			return nil, err
		}
		status.Branches = append(status.Branches, *branchStatus)
	}
	return status, nil
}

func (s *Service) branchStatus(ctx context.Context, repoPath, branch, upstream string) (*BranchSyncStatus, error) {
	localSHA, err := s.cli.RevParse(ctx, repoPath, branch)
	if err != nil {
		return nil, err
	}
	remoteSHA, err := s.cli.RevParse(ctx, repoPath, upstream)
	if err != nil {
		return nil, err
	}
	ahead, behind, err := s.cli.AheadBehind(ctx, repoPath, branch, upstream)
	if err != nil {
		return nil, err
	}

	status := &BranchSyncStatus{
		Branch:    branch,
		Upstream:  upstream,
		LocalSHA:  localSHA,
		RemoteSHA: remoteSHA,
		Ahead:     ahead,
		Behind:    behind,
	}
	status.classify()
	return status, nil
}

// Pull integrates upstream commits into the checked-out branch.
//
// Safety checks, in order: the working tree must be clean (no implicit
// stashing), the requested branch must be checked out, and a diverged branch
// always fails with ErrBranchesDiverged. behind == 0 short-circuits as a
// no-op success.
func (s *Service) Pull(ctx context.Context, repoPath, branch, token string, strategy PullStrategy) (*PullResult, error) {
	ctx, span := tracing.Tracer("forgeboard-gitsync").Start(ctx, "gitsync.Pull")
	defer span.End()

	lock := s.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	clean, err := s.cli.IsClean(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if !clean {
		return nil, ErrDirtyWorktree
	}

	current, err := s.cli.CurrentBranch(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if current != branch {
		return nil, fmt.Errorf("checked out %s, requested %s: %w", current, branch, ErrWrongBranch)
	}

	upstream, err := s.cli.Upstream(ctx, repoPath, branch)
	if err != nil {
		return nil, err
	}

	remoteURL, err := s.cli.RemoteURL(ctx, repoPath, s.remote)
	if err != nil {
		return nil, err
	}
	fetchURL, err := AuthenticatedURL(remoteURL, token)
	if err != nil {
		return nil, err
	}
	if err := s.cli.FetchBranch(ctx, repoPath, fetchURL, s.remote, branch); err != nil {
		return nil, err
	}

	ahead, behind, err := s.cli.AheadBehind(ctx, repoPath, branch, upstream)
	if err != nil {
		return nil, err
	}

	if behind == 0 {
		return &PullResult{Branch: branch, Strategy: strategy, CommitsPulled: 0, UpToDate: true}, nil
	}
	if ahead > 0 {
		return nil, &DivergedError{Branch: branch, Ahead: ahead, Behind: behind}
	}

	switch strategy {
	case PullStrategyRebase:
		err = s.cli.Rebase(ctx, repoPath, upstream)
	case PullStrategyMerge, PullStrategyFastForward, "":
		err = s.cli.MergeFastForward(ctx, repoPath, upstream)
	default:
		return nil, fmt.Errorf("unknown pull strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Pulled branch",
		zap.String("repo", repoPath),
		zap.String("branch", branch),
		zap.Int("commits", behind))

	return &PullResult{Branch: branch, Strategy: strategy, CommitsPulled: behind}, nil
}
