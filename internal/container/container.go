// Package container starts and stops agent executions. It owns worktree
// allocation for attempts and runs and the execution process records around
// each invocation; the agent subprocess itself is behind ExecutorBackend.
package container

import (
	"context"
	"errors"

	"github.com/forgeboard/forgeboard/internal/events/bus"
	"github.com/forgeboard/forgeboard/internal/store"
)

// ErrBackendNotConfigured is returned when no executor backend is wired in.
var ErrBackendNotConfigured = errors.New("no executor backend configured")

// ActionType distinguishes a fresh executor invocation from a session
// continuation.
type ActionType string

const (
	ActionTypeInitial  ActionType = "initial"
	ActionTypeFollowUp ActionType = "follow_up"
)

// ExecutorAction describes one executor invocation. SessionID is only set on
// follow-up actions.
type ExecutorAction struct {
	Type      ActionType                `json:"type"`
	Prompt    string                    `json:"prompt"`
	SessionID string                    `json:"session_id,omitempty"`
	Profile   store.ExecutorProfileSpec `json:"profile"`
}

// InitialAction builds a fresh-invocation action.
func InitialAction(prompt string, profile store.ExecutorProfileSpec) ExecutorAction {
	return ExecutorAction{Type: ActionTypeInitial, Prompt: prompt, Profile: profile}
}

// FollowUpAction builds a session-continuation action.
func FollowUpAction(prompt, sessionID string, profile store.ExecutorProfileSpec) ExecutorAction {
	return ExecutorAction{Type: ActionTypeFollowUp, Prompt: prompt, SessionID: sessionID, Profile: profile}
}

// StartRequest is handed to the executor backend for one process.
type StartRequest struct {
	ProcessID string
	WorkDir   string
	Action    ExecutorAction
}

// ExecutorBackend spawns and terminates the actual agent subprocess.
type ExecutorBackend interface {
	Start(ctx context.Context, req StartRequest) error
	Stop(ctx context.Context, processID string) error
}

// UnconfiguredBackend is the default backend: it rejects every start so the
// rest of the system can be exercised without an agent runtime.
type UnconfiguredBackend struct{}

func (UnconfiguredBackend) Start(ctx context.Context, req StartRequest) error {
	return ErrBackendNotConfigured
}

func (UnconfiguredBackend) Stop(ctx context.Context, processID string) error {
	return ErrBackendNotConfigured
}

// Service is the execution surface the lifecycle manager talks to. It never
// exposes subprocesses directly.
type Service interface {
	// StartAttempt allocates the attempt worktree if needed, records a new
	// coding-agent process, and starts the action. The bool reports whether
	// the executor actually started; a backend failure is recorded on the
	// process and reported as false without an error.
	StartAttempt(ctx context.Context, attempt *store.TaskAttempt, action ExecutorAction) (bool, error)

	// StartRun starts the run's stored prompt as a fresh coding-agent process.
	StartRun(ctx context.Context, run *store.ExecutionRun, profile store.ExecutorProfileSpec) (*store.ExecutionProcess, error)

	// StartExecutionForRun records and starts an arbitrary action under a run.
	// The process record is returned even when the backend fails to start.
	StartExecutionForRun(ctx context.Context, run *store.ExecutionRun, action ExecutorAction, reason store.RunReason) (*store.ExecutionProcess, error)

	// StopExecution transitions a process to the given terminal status and
	// notifies the backend. Already-terminal processes are left untouched.
	StopExecution(ctx context.Context, process *store.ExecutionProcess, status store.ProcessStatus) error

	// StreamRawLogsForRun subscribes to the run's raw log stream. A nil
	// subscription with a nil error means no stream is available.
	StreamRawLogsForRun(ctx context.Context, runID string, handler bus.EventHandler) (bus.Subscription, error)

	// HasRunningProcesses reports whether any process under any attempt of
	// the task is currently running.
	HasRunningProcesses(ctx context.Context, taskID string) (bool, error)

	// GitBranchFromTaskAttempt derives the deterministic branch name for an
	// attempt from its task title.
	GitBranchFromTaskAttempt(attemptID, title string) string
}
