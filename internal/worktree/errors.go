// Package worktree manages git worktrees used to give each execution an
// isolated checkout of the project repository.
package worktree

import "errors"

var (
	// ErrWorktreeExists is returned when the target worktree directory already exists.
	ErrWorktreeExists = errors.New("worktree already exists")

	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrRepoNotGit is returned when the repository path is not a git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrBranchExists is returned when the branch name is already taken in the repository.
	ErrBranchExists = errors.New("branch already exists")

	// ErrInvalidBaseBranch is returned when the base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")
)
