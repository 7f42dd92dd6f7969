// Package store provides the SQLite-backed persistent store for forgeboard:
// projects, tasks, task attempts, execution runs, and execution processes.
package store

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskStatus is the kanban status of a task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "inprogress"
	TaskStatusInReview   TaskStatus = "inreview"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusArchived   TaskStatus = "archived"

	// TaskStatusAgent marks chat-style tasks created without worktree
	// isolation. They are excluded from the kanban view by membership in
	// agent_tasks; the status is a secondary signal for the race window
	// between creation and the next hidden-set refresh.
	TaskStatusAgent TaskStatus = "agent"
)

// ProcessStatus is the lifecycle state of one execution process.
// pending -> running -> {completed | failed | killed}; terminal states are absorbing.
type ProcessStatus string

const (
	ProcessStatusPending   ProcessStatus = "pending"
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusKilled    ProcessStatus = "killed"
)

// IsTerminal reports whether the status is absorbing.
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case ProcessStatusCompleted, ProcessStatusFailed, ProcessStatusKilled:
		return true
	}
	return false
}

// RunReason tags what kind of invocation a process is.
type RunReason string

const (
	RunReasonSetupScript   RunReason = "setupscript"
	RunReasonCleanupScript RunReason = "cleanupscript"
	RunReasonCodingAgent   RunReason = "codingagent"
)

// Project owns tasks and points at a local git repository.
type Project struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	GitRepoPath   string    `db:"git_repo_path" json:"git_repo_path"`
	DefaultBranch string    `db:"default_branch" json:"default_branch"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Task is one unit of work on a project board.
type Task struct {
	ID                string     `db:"id" json:"id"`
	ProjectID         string     `db:"project_id" json:"project_id"`
	Title             string     `db:"title" json:"title"`
	Description       string     `db:"description" json:"description"`
	Status            TaskStatus `db:"status" json:"status"`
	ParentTaskAttempt *string    `db:"parent_task_attempt" json:"parent_task_attempt,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// TaskWithAttemptStatus is a task enriched with attempt aggregates for the
// kanban listing. The aggregates are computed in SQL.
type TaskWithAttemptStatus struct {
	Task
	HasInProgressAttempt bool    `db:"has_in_progress_attempt" json:"has_in_progress_attempt"`
	LastAttemptFailed    bool    `db:"last_attempt_failed" json:"last_attempt_failed"`
	Executor             *string `db:"executor" json:"executor,omitempty"`
	AttemptCount         int     `db:"attempt_count" json:"attempt_count"`
}

// TaskAttempt is one worktree-isolated execution lineage for a task.
// ContainerRef (the worktree path) is the authoritative cleanup key and is
// never reused across attempts.
type TaskAttempt struct {
	ID              string    `db:"id" json:"id"`
	TaskID          string    `db:"task_id" json:"task_id"`
	Executor        string    `db:"executor" json:"executor"` // optionally "executor:variant"
	Branch          string    `db:"branch" json:"branch"`
	TargetBranch    string    `db:"target_branch" json:"target_branch"`
	ContainerRef    *string   `db:"container_ref" json:"container_ref,omitempty"`
	WorktreeDeleted bool      `db:"worktree_deleted" json:"worktree_deleted"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// ExecutionRun is a detached, task-less execution lineage for single-shot
// prompts. A container reference, once set, is unique across all runs.
type ExecutionRun struct {
	ID              string    `db:"id" json:"id"`
	ProjectID       string    `db:"project_id" json:"project_id"`
	Prompt          string    `db:"prompt" json:"prompt"`
	Executor        string    `db:"executor" json:"executor"`
	Branch          string    `db:"branch" json:"branch"`
	TargetBranch    string    `db:"target_branch" json:"target_branch"`
	ContainerRef    *string   `db:"container_ref" json:"container_ref,omitempty"`
	WorktreeDeleted bool      `db:"worktree_deleted" json:"worktree_deleted"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// ExecutionProcess is one invocation (setup script, cleanup script, or
// coding-agent turn) under an attempt or run.
type ExecutionProcess struct {
	ID              string        `db:"id" json:"id"`
	TaskAttemptID   *string       `db:"task_attempt_id" json:"task_attempt_id,omitempty"`
	ExecutionRunID  *string       `db:"execution_run_id" json:"execution_run_id,omitempty"`
	RunReason       RunReason     `db:"run_reason" json:"run_reason"`
	Status          ProcessStatus `db:"status" json:"status"`
	SessionID       *string       `db:"session_id" json:"session_id,omitempty"`
	ExecutorProfile string        `db:"executor_profile" json:"executor_profile"` // "executor:variant"
	Logs            string        `db:"logs" json:"logs"`                         // structured log payload, JSON
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
}

// LogMessage is one conversational message in a process log payload.
type LogMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// logPayload is the persisted shape of ExecutionProcess.Logs.
type logPayload struct {
	Messages []LogMessage `json:"messages"`
}

// Messages decodes the full conversational history from the log payload.
// An empty or missing payload yields an empty slice.
func (p *ExecutionProcess) Messages() ([]LogMessage, error) {
	if strings.TrimSpace(p.Logs) == "" {
		return nil, nil
	}
	var payload logPayload
	if err := json.Unmarshal([]byte(p.Logs), &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

// LastAssistantMessage returns the content of the newest assistant message
// in the log payload, or "" if there is none.
func (p *ExecutionProcess) LastAssistantMessage() (string, error) {
	messages, err := p.Messages()
	if err != nil {
		return "", err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Content, nil
		}
	}
	return "", nil
}

// EncodeLogMessages marshals messages into the persisted payload shape.
func EncodeLogMessages(messages []LogMessage) (string, error) {
	data, err := json.Marshal(logPayload{Messages: messages})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ExecutorProfileSpec is a parsed "executor:variant" identifier.
type ExecutorProfileSpec struct {
	Executor string
	Variant  string
}

// ParseExecutorProfile splits an "executor" or "executor:variant" string.
func ParseExecutorProfile(s string) ExecutorProfileSpec {
	executor, variant, found := strings.Cut(s, ":")
	if !found {
		return ExecutorProfileSpec{Executor: s}
	}
	return ExecutorProfileSpec{Executor: executor, Variant: variant}
}

// String renders the spec back to its persisted form.
func (s ExecutorProfileSpec) String() string {
	if s.Variant == "" {
		return s.Executor
	}
	return s.Executor + ":" + s.Variant
}

// WithVariant returns a copy with the variant replaced.
func (s ExecutorProfileSpec) WithVariant(variant string) ExecutorProfileSpec {
	s.Variant = variant
	return s
}

// AgentTask is one row of the agent-task membership table, the authoritative
// source for kanban exclusion.
type AgentTask struct {
	TaskID    string    `db:"task_id" json:"task_id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	AgentKind string    `db:"agent_kind" json:"agent_kind"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
