package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateAttempt creates a new task attempt.
func (s *Store) CreateAttempt(ctx context.Context, attempt *TaskAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_attempts (id, task_id, executor, branch, target_branch, container_ref, worktree_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), attempt.ID, attempt.TaskID, attempt.Executor, attempt.Branch, attempt.TargetBranch,
		attempt.ContainerRef, attempt.WorktreeDeleted, attempt.CreatedAt, attempt.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("attempt %s: %w", attempt.ID, ErrContainerRefTaken)
	}
	return err
}

// GetAttempt retrieves a task attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (*TaskAttempt, error) {
	attempt := &TaskAttempt{}
	err := s.reader().GetContext(ctx, attempt, s.reader().Rebind(`
		SELECT id, task_id, executor, branch, target_branch, container_ref, worktree_deleted, created_at, updated_at
		FROM task_attempts WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

// ListAttemptsByTask returns all attempts for a task, oldest first.
func (s *Store) ListAttemptsByTask(ctx context.Context, taskID string) ([]*TaskAttempt, error) {
	var attempts []*TaskAttempt
	err := s.reader().SelectContext(ctx, &attempts, s.reader().Rebind(`
		SELECT id, task_id, executor, branch, target_branch, container_ref, worktree_deleted, created_at, updated_at
		FROM task_attempts WHERE task_id = ?
		ORDER BY created_at
	`), taskID)
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// SetAttemptContainerRef binds a container reference (worktree path) to an
// attempt. The unique index rejects refs already bound elsewhere.
func (s *Store) SetAttemptContainerRef(ctx context.Context, id, containerRef string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_attempts SET container_ref = ?, updated_at = ? WHERE id = ?
	`), containerRef, time.Now().UTC(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("attempt %s: %w", id, ErrContainerRefTaken)
		}
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAttemptWorktreeDeleted sets the worktree-deleted flag. The transition
// is one-way: a flag already set stays set and the call reports success.
func (s *Store) MarkAttemptWorktreeDeleted(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_attempts SET worktree_deleted = 1, updated_at = ?
		WHERE id = ? AND worktree_deleted = 0
	`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either already deleted or missing; distinguish for callers.
		if _, err := s.GetAttempt(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ResolveAttemptContainerRef maps a container reference back to its attempt.
func (s *Store) ResolveAttemptContainerRef(ctx context.Context, containerRef string) (*TaskAttempt, error) {
	attempt := &TaskAttempt{}
	err := s.reader().GetContext(ctx, attempt, s.reader().Rebind(`
		SELECT id, task_id, executor, branch, target_branch, container_ref, worktree_deleted, created_at, updated_at
		FROM task_attempts WHERE container_ref = ?
	`), containerRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("container ref %s: %w", containerRef, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

// isUniqueViolation reports whether err is a sqlite unique constraint error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
