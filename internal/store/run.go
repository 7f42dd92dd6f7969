package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRun creates a new execution run.
func (s *Store) CreateRun(ctx context.Context, run *ExecutionRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO execution_runs (id, project_id, prompt, executor, branch, target_branch, container_ref, worktree_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.ProjectID, run.Prompt, run.Executor, run.Branch, run.TargetBranch,
		run.ContainerRef, run.WorktreeDeleted, run.CreatedAt, run.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("run %s: %w", run.ID, ErrContainerRefTaken)
	}
	return err
}

// GetRun retrieves an execution run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*ExecutionRun, error) {
	run := &ExecutionRun{}
	err := s.reader().GetContext(ctx, run, s.reader().Rebind(`
		SELECT id, project_id, prompt, executor, branch, target_branch, container_ref, worktree_deleted, created_at, updated_at
		FROM execution_runs WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRunsByProject returns all runs for a project, newest first.
func (s *Store) ListRunsByProject(ctx context.Context, projectID string) ([]*ExecutionRun, error) {
	var runs []*ExecutionRun
	err := s.reader().SelectContext(ctx, &runs, s.reader().Rebind(`
		SELECT id, project_id, prompt, executor, branch, target_branch, container_ref, worktree_deleted, created_at, updated_at
		FROM execution_runs WHERE project_id = ?
		ORDER BY created_at DESC
	`), projectID)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// SetRunContainerRef binds a container reference (worktree path) to a run.
// The unique index rejects refs already bound elsewhere.
func (s *Store) SetRunContainerRef(ctx context.Context, id, containerRef string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE execution_runs SET container_ref = ?, updated_at = ? WHERE id = ?
	`), containerRef, time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s: %w", id, ErrContainerRefTaken)
		}
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkRunWorktreeDeleted sets the worktree-deleted flag, one-way.
func (s *Store) MarkRunWorktreeDeleted(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE execution_runs SET worktree_deleted = 1, updated_at = ?
		WHERE id = ? AND worktree_deleted = 0
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ResolveContainerRef maps an inbound container reference back to its run.
// Container callbacks identify themselves only by this reference.
func (s *Store) ResolveContainerRef(ctx context.Context, containerRef string) (*ExecutionRun, error) {
	run := &ExecutionRun{}
	err := s.reader().GetContext(ctx, run, s.reader().Rebind(`
		SELECT id, project_id, prompt, executor, branch, target_branch, container_ref, worktree_deleted, created_at, updated_at
		FROM execution_runs WHERE container_ref = ?
	`), containerRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("container ref %s: %w", containerRef, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}
