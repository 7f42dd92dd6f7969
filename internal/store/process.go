package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subject identifies the owner of a process: either a task attempt or a
// detached execution run. Exactly one field is set.
type Subject struct {
	AttemptID string
	RunID     string
}

// AttemptSubject builds a Subject for a task attempt.
func AttemptSubject(attemptID string) Subject {
	return Subject{AttemptID: attemptID}
}

// RunSubject builds a Subject for an execution run.
func RunSubject(runID string) Subject {
	return Subject{RunID: runID}
}

// where returns the process-table predicate and its argument.
func (s Subject) where() (string, string, error) {
	switch {
	case s.AttemptID != "" && s.RunID == "":
		return "task_attempt_id = ?", s.AttemptID, nil
	case s.RunID != "" && s.AttemptID == "":
		return "execution_run_id = ?", s.RunID, nil
	default:
		return "", "", fmt.Errorf("subject must name exactly one of attempt or run")
	}
}

const processColumns = `id, task_attempt_id, execution_run_id, run_reason, status, session_id, executor_profile, logs, created_at, updated_at, completed_at`

// CreateProcess creates a new execution process.
func (s *Store) CreateProcess(ctx context.Context, process *ExecutionProcess) error {
	if process.ID == "" {
		process.ID = uuid.New().String()
	}
	if process.Status == "" {
		process.Status = ProcessStatusPending
	}
	now := time.Now().UTC()
	process.CreatedAt = now
	process.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO execution_processes (id, task_attempt_id, execution_run_id, run_reason, status, session_id, executor_profile, logs, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), process.ID, process.TaskAttemptID, process.ExecutionRunID, process.RunReason,
		process.Status, process.SessionID, process.ExecutorProfile, process.Logs,
		process.CreatedAt, process.UpdatedAt, process.CompletedAt)
	return err
}

// GetProcess retrieves a process by ID.
func (s *Store) GetProcess(ctx context.Context, id string) (*ExecutionProcess, error) {
	process := &ExecutionProcess{}
	err := s.reader().GetContext(ctx, process, s.reader().Rebind(
		`SELECT `+processColumns+` FROM execution_processes WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return process, nil
}

// UpdateProcessStatus transitions a process. Terminal statuses are absorbing:
// updating an already-terminal process returns ErrProcessTerminal. Reaching a
// terminal status stamps completed_at.
func (s *Store) UpdateProcessStatus(ctx context.Context, id string, status ProcessStatus) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE execution_processes
		SET status = ?, completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'killed')
	`), status, completedAt, now, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetProcess(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("process %s: %w", id, ErrProcessTerminal)
	}
	return nil
}

// UpdateProcessSession records the executor session id opened by a process.
func (s *Store) UpdateProcessSession(ctx context.Context, id, sessionID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE execution_processes SET session_id = ?, updated_at = ? WHERE id = ?
	`), sessionID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("process %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetProcessLogs replaces the structured log payload of a process.
func (s *Store) SetProcessLogs(ctx context.Context, id, logs string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE execution_processes SET logs = ?, updated_at = ? WHERE id = ?
	`), logs, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("process %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListProcesses returns all processes for a subject, oldest first.
func (s *Store) ListProcesses(ctx context.Context, subject Subject) ([]*ExecutionProcess, error) {
	predicate, arg, err := subject.where()
	if err != nil {
		return nil, err
	}
	var processes []*ExecutionProcess
	err = s.reader().SelectContext(ctx, &processes, s.reader().Rebind(
		`SELECT `+processColumns+` FROM execution_processes WHERE `+predicate+` ORDER BY created_at`), arg)
	if err != nil {
		return nil, err
	}
	return processes, nil
}

// FindLatestProcess returns the newest process for a subject, or ErrNotFound.
func (s *Store) FindLatestProcess(ctx context.Context, subject Subject) (*ExecutionProcess, error) {
	predicate, arg, err := subject.where()
	if err != nil {
		return nil, err
	}
	process := &ExecutionProcess{}
	err = s.reader().GetContext(ctx, process, s.reader().Rebind(
		`SELECT `+processColumns+` FROM execution_processes WHERE `+predicate+` ORDER BY created_at DESC LIMIT 1`), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no processes for subject: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return process, nil
}

// FindLatestSessionID returns the newest non-null session id recorded for a
// subject, or nil if no process ever opened a session.
func (s *Store) FindLatestSessionID(ctx context.Context, subject Subject) (*string, error) {
	predicate, arg, err := subject.where()
	if err != nil {
		return nil, err
	}
	var sessionID string
	err = s.reader().GetContext(ctx, &sessionID, s.reader().Rebind(
		`SELECT session_id FROM execution_processes
		WHERE `+predicate+` AND session_id IS NOT NULL
		ORDER BY created_at DESC LIMIT 1`), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sessionID, nil
}

// LatestExecutorProfile returns the executor profile of the newest process
// for a subject. Re-reading from the process record (rather than the attempt)
// honors variant switches made on earlier turns.
func (s *Store) LatestExecutorProfile(ctx context.Context, subject Subject) (string, error) {
	process, err := s.FindLatestProcess(ctx, subject)
	if err != nil {
		return "", err
	}
	return process.ExecutorProfile, nil
}

// FindLatestByRunReason returns the newest process with the given run reason.
func (s *Store) FindLatestByRunReason(ctx context.Context, subject Subject, reason RunReason) (*ExecutionProcess, error) {
	predicate, arg, err := subject.where()
	if err != nil {
		return nil, err
	}
	process := &ExecutionProcess{}
	err = s.reader().GetContext(ctx, process, s.reader().Rebind(
		`SELECT `+processColumns+` FROM execution_processes
		WHERE `+predicate+` AND run_reason = ?
		ORDER BY created_at DESC LIMIT 1`), arg, reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no %s process for subject: %w", reason, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return process, nil
}

// FindLatestNonTerminalByRunReason returns the newest process with the given
// run reason that has not reached a terminal status, or ErrNotFound.
func (s *Store) FindLatestNonTerminalByRunReason(ctx context.Context, subject Subject, reason RunReason) (*ExecutionProcess, error) {
	predicate, arg, err := subject.where()
	if err != nil {
		return nil, err
	}
	process := &ExecutionProcess{}
	err = s.reader().GetContext(ctx, process, s.reader().Rebind(
		`SELECT `+processColumns+` FROM execution_processes
		WHERE `+predicate+` AND run_reason = ? AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1`), arg, reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no running %s process for subject: %w", reason, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return process, nil
}

// HasRunningProcesses reports whether any process under any attempt of the
// task is pending or running.
func (s *Store) HasRunningProcesses(ctx context.Context, taskID string) (bool, error) {
	var count int
	err := s.reader().GetContext(ctx, &count, s.reader().Rebind(`
		SELECT COUNT(*) FROM execution_processes ep
		JOIN task_attempts ta ON ep.task_attempt_id = ta.id
		WHERE ta.task_id = ? AND ep.status IN ('pending', 'running')
	`), taskID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
