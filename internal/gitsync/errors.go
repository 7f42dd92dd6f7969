// Package gitsync reconciles local repositories against their upstreams:
// tracked-branch discovery, scoped fetch, ahead/behind computation, and
// safety-checked pulls.
package gitsync

import (
	"errors"
	"fmt"
)

var (
	// ErrDirtyWorktree is returned when a pull is requested on a repository
	// with uncommitted changes. Pulls never stash implicitly.
	ErrDirtyWorktree = errors.New("working tree has uncommitted changes")

	// ErrWrongBranch is returned when the checked-out branch differs from the
	// branch a pull was requested for.
	ErrWrongBranch = errors.New("requested branch is not checked out")

	// ErrBranchesDiverged is returned when local and upstream have both moved.
	// Pulling never auto-merges a diverged branch.
	ErrBranchesDiverged = errors.New("branches have diverged")

	// ErrNoUpstream is returned when a branch has no configured upstream.
	ErrNoUpstream = errors.New("branch has no upstream")

	// ErrGitCommandFailed is returned when a git invocation fails.
	ErrGitCommandFailed = errors.New("git command failed")
)

// DivergedError carries the ahead/behind counts behind ErrBranchesDiverged
// so callers can render an actionable message.
type DivergedError struct {
	Branch string
	Ahead  int
	Behind int
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("branch %s: %d ahead, %d behind upstream, manual merge required", e.Branch, e.Ahead, e.Behind)
}

// Unwrap lets errors.Is match ErrBranchesDiverged.
func (e *DivergedError) Unwrap() error {
	return ErrBranchesDiverged
}
