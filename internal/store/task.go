package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/forgeboard/forgeboard/internal/tracing"
)

// CreateTask creates a new task.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	prepareTaskForInsert(task)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(insertTaskSQL),
		task.ID, task.ProjectID, task.Title, task.Description, task.Status,
		task.ParentTaskAttempt, task.CreatedAt, task.UpdatedAt)
	return err
}

// CreateAgentTask creates a task together with its agent-task membership row
// in a single transaction, so a board subscriber can never observe the task
// without its hidden-set registration.
func (s *Store) CreateAgentTask(ctx context.Context, task *Task, agentKind string) error {
	prepareTaskForInsert(task)
	task.Status = TaskStatusAgent

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(insertTaskSQL),
			task.ID, task.ProjectID, task.Title, task.Description, task.Status,
			task.ParentTaskAttempt, task.CreatedAt, task.UpdatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO agent_tasks (task_id, project_id, agent_kind, created_at)
			VALUES (?, ?, ?, ?)
		`), task.ID, task.ProjectID, agentKind, task.CreatedAt)
		return err
	})
}

const insertTaskSQL = `
	INSERT INTO tasks (id, project_id, title, description, status, parent_task_attempt, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

func prepareTaskForInsert(task *Task) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = TaskStatusTodo
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	task := &Task{}
	err := s.reader().GetContext(ctx, task, s.reader().Rebind(`
		SELECT id, project_id, title, description, status, parent_task_attempt, created_at, updated_at
		FROM tasks WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask updates an existing task's mutable fields.
func (s *Store) UpdateTask(ctx context.Context, task *Task) error {
	task.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET title = ?, description = ?, status = ?, parent_task_attempt = ?, updated_at = ?
		WHERE id = ?
	`), task.Title, task.Description, task.Status, task.ParentTaskAttempt, task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

// DeleteTaskTx deletes a task inside tx, first nulling out any child tasks'
// parent-attempt references so the cascading attempt deletion leaves no
// dangling foreign keys. Attempts and processes cascade via the schema.
func (s *Store) DeleteTaskTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET parent_task_attempt = NULL
		WHERE parent_task_attempt IN (SELECT id FROM task_attempts WHERE task_id = ?)
	`), id); err != nil {
		return fmt.Errorf("failed to null child task references: %w", err)
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListKanbanTasks returns the board view for a project: non-agent tasks with
// attempt aggregates computed in SQL. Agent tasks are excluded by membership,
// not by status.
func (s *Store) ListKanbanTasks(ctx context.Context, projectID string) ([]*TaskWithAttemptStatus, error) {
	ctx, span := tracing.Tracer("forgeboard-store").Start(ctx, "store.ListKanbanTasks")
	defer span.End()

	var tasks []*TaskWithAttemptStatus
	err := s.reader().SelectContext(ctx, &tasks, s.reader().Rebind(`
		SELECT
			t.id, t.project_id, t.title, t.description, t.status, t.parent_task_attempt,
			t.created_at, t.updated_at,
			EXISTS (
				SELECT 1 FROM task_attempts ta
				JOIN execution_processes ep ON ep.task_attempt_id = ta.id
				WHERE ta.task_id = t.id AND ep.status IN ('pending', 'running')
			) AS has_in_progress_attempt,
			COALESCE((
				SELECT ep.status = 'failed' OR ep.status = 'killed'
				FROM task_attempts ta
				JOIN execution_processes ep ON ep.task_attempt_id = ta.id
				WHERE ta.task_id = t.id
				ORDER BY ep.created_at DESC LIMIT 1
			), 0) AS last_attempt_failed,
			(
				SELECT ta.executor FROM task_attempts ta
				WHERE ta.task_id = t.id
				ORDER BY ta.created_at DESC LIMIT 1
			) AS executor,
			(
				SELECT COUNT(*) FROM task_attempts ta WHERE ta.task_id = t.id
			) AS attempt_count
		FROM tasks t
		WHERE t.project_id = ?
			AND t.id NOT IN (SELECT task_id FROM agent_tasks WHERE project_id = ?)
		ORDER BY t.created_at
	`), projectID, projectID)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListAgentTaskIDs returns the ids of all agent tasks in a project. This is
// the seed query for the board's hidden-task cache.
func (s *Store) ListAgentTaskIDs(ctx context.Context, projectID string) ([]string, error) {
	var ids []string
	err := s.reader().SelectContext(ctx, &ids, s.reader().Rebind(`
		SELECT task_id FROM agent_tasks WHERE project_id = ?
	`), projectID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// IsAgentTask reports whether a task is registered in the agent-task
// membership table. Used as the cache-miss fallback for stream filtering.
func (s *Store) IsAgentTask(ctx context.Context, taskID string) (bool, error) {
	var count int
	err := s.reader().GetContext(ctx, &count, s.reader().Rebind(`
		SELECT COUNT(*) FROM agent_tasks WHERE task_id = ?
	`), taskID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListAgentTasks returns the full agent task rows for a project.
func (s *Store) ListAgentTasks(ctx context.Context, projectID string) ([]*Task, error) {
	var tasks []*Task
	err := s.reader().SelectContext(ctx, &tasks, s.reader().Rebind(`
		SELECT t.id, t.project_id, t.title, t.description, t.status, t.parent_task_attempt,
			t.created_at, t.updated_at
		FROM tasks t
		JOIN agent_tasks at ON at.task_id = t.id
		WHERE t.project_id = ?
		ORDER BY t.created_at
	`), projectID)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}
