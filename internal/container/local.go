package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/common/logger"
	"github.com/forgeboard/forgeboard/internal/events"
	"github.com/forgeboard/forgeboard/internal/events/bus"
	"github.com/forgeboard/forgeboard/internal/store"
	"github.com/forgeboard/forgeboard/internal/worktree"
)

// LocalService runs executions in git worktrees on the local host. The
// worktree path doubles as the container reference persisted on attempt and
// run rows.
type LocalService struct {
	store        *store.Store
	worktrees    *worktree.Manager
	bus          bus.EventBus
	backend      ExecutorBackend
	branchPrefix string
	logger       *logger.Logger
}

// NewLocalService creates a local container service. A nil backend falls back
// to UnconfiguredBackend.
func NewLocalService(st *store.Store, wt *worktree.Manager, eventBus bus.EventBus, backend ExecutorBackend, branchPrefix string, log *logger.Logger) *LocalService {
	if backend == nil {
		backend = UnconfiguredBackend{}
	}
	if log == nil {
		log = logger.Default()
	}
	return &LocalService{
		store:        st,
		worktrees:    wt,
		bus:          eventBus,
		backend:      backend,
		branchPrefix: worktree.NormalizeBranchPrefix(branchPrefix),
		logger:       log.WithFields(zap.String("component", "container-service")),
	}
}

// GitBranchFromTaskAttempt derives the branch name for an attempt:
// {prefix}{sanitized-title}-{attemptID[:8]}. The attempt ID suffix keeps the
// name unique across attempts on the same task.
func (s *LocalService) GitBranchFromTaskAttempt(attemptID, title string) string {
	name := worktree.SanitizeForBranch(title, 20)
	if name == "" {
		name = worktree.SanitizeForBranch(attemptID, 20)
	}
	suffix := attemptID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return s.branchPrefix + name + "-" + suffix
}

// StartAttempt allocates the worktree (first start only), records a
// coding-agent process, and hands it to the backend.
func (s *LocalService) StartAttempt(ctx context.Context, attempt *store.TaskAttempt, action ExecutorAction) (bool, error) {
	task, err := s.store.GetTask(ctx, attempt.TaskID)
	if err != nil {
		return false, err
	}

	workDir, err := s.ensureAttemptWorktree(ctx, attempt, task)
	if err != nil {
		return false, err
	}

	process, err := s.createProcess(ctx, store.AttemptSubject(attempt.ID), action, store.RunReasonCodingAgent)
	if err != nil {
		return false, err
	}

	if err := s.startProcess(ctx, process, workDir, action); err != nil {
		s.logger.Error("executor start failed for attempt",
			zap.String("attempt_id", attempt.ID),
			zap.String("process_id", process.ID),
			zap.Error(err))
		return false, nil
	}
	return true, nil
}

// StartRun starts the run's stored prompt as a fresh coding-agent invocation.
func (s *LocalService) StartRun(ctx context.Context, run *store.ExecutionRun, profile store.ExecutorProfileSpec) (*store.ExecutionProcess, error) {
	return s.StartExecutionForRun(ctx, run, InitialAction(run.Prompt, profile), store.RunReasonCodingAgent)
}

// StartExecutionForRun records and starts an action under a run. The process
// record is returned even when the backend refuses to start; its status then
// reads failed.
func (s *LocalService) StartExecutionForRun(ctx context.Context, run *store.ExecutionRun, action ExecutorAction, reason store.RunReason) (*store.ExecutionProcess, error) {
	workDir, err := s.ensureRunWorktree(ctx, run)
	if err != nil {
		return nil, err
	}

	process, err := s.createProcess(ctx, store.RunSubject(run.ID), action, reason)
	if err != nil {
		return nil, err
	}

	if err := s.startProcess(ctx, process, workDir, action); err != nil {
		s.logger.Error("executor start failed for run",
			zap.String("run_id", run.ID),
			zap.String("process_id", process.ID),
			zap.Error(err))
		return process, fmt.Errorf("starting execution: %w", err)
	}
	return process, nil
}

// StopExecution transitions the process to a terminal status and asks the
// backend to terminate the subprocess. Stopping an already-terminal process
// is a no-op.
func (s *LocalService) StopExecution(ctx context.Context, process *store.ExecutionProcess, status store.ProcessStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("stop requires a terminal status, got %s", status)
	}

	if err := s.backend.Stop(ctx, process.ID); err != nil {
		// Termination is advisory; the status transition is what blocks
		// further turns from being dispatched.
		s.logger.Warn("backend stop failed",
			zap.String("process_id", process.ID),
			zap.Error(err))
	}

	err := s.store.UpdateProcessStatus(ctx, process.ID, status)
	if errors.Is(err, store.ErrProcessTerminal) {
		return nil
	}
	return err
}

// StreamRawLogsForRun subscribes to the run's raw log subject. Without an
// event bus there is no stream and (nil, nil) is returned.
func (s *LocalService) StreamRawLogsForRun(ctx context.Context, runID string, handler bus.EventHandler) (bus.Subscription, error) {
	if s.bus == nil {
		return nil, nil
	}
	return s.bus.Subscribe(events.BuildRunLogSubject(runID), handler)
}

// HasRunningProcesses reports whether any attempt of the task has a running
// process.
func (s *LocalService) HasRunningProcesses(ctx context.Context, taskID string) (bool, error) {
	return s.store.HasRunningProcesses(ctx, taskID)
}

// ensureAttemptWorktree creates the attempt's worktree on first start and
// persists its path as the container reference.
func (s *LocalService) ensureAttemptWorktree(ctx context.Context, attempt *store.TaskAttempt, task *store.Task) (string, error) {
	if attempt.ContainerRef != nil && s.worktrees.IsValid(*attempt.ContainerRef) {
		return *attempt.ContainerRef, nil
	}

	project, err := s.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return "", err
	}

	wt, err := s.worktrees.Create(ctx, worktree.CreateRequest{
		RepoPath:   project.GitRepoPath,
		ID:         attempt.ID,
		Title:      task.Title,
		BaseBranch: attempt.TargetBranch,
		BranchName: attempt.Branch,
	})
	if err != nil {
		return "", fmt.Errorf("allocating attempt worktree: %w", err)
	}

	if err := s.store.SetAttemptContainerRef(ctx, attempt.ID, wt.Path); err != nil {
		return "", err
	}
	attempt.ContainerRef = &wt.Path
	return wt.Path, nil
}

// ensureRunWorktree creates the run's worktree on first start and persists
// its path as the container reference.
func (s *LocalService) ensureRunWorktree(ctx context.Context, run *store.ExecutionRun) (string, error) {
	if run.ContainerRef != nil && s.worktrees.IsValid(*run.ContainerRef) {
		return *run.ContainerRef, nil
	}

	project, err := s.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return "", err
	}

	wt, err := s.worktrees.Create(ctx, worktree.CreateRequest{
		RepoPath:   project.GitRepoPath,
		ID:         run.ID,
		BaseBranch: run.TargetBranch,
		BranchName: run.Branch,
	})
	if err != nil {
		return "", fmt.Errorf("allocating run worktree: %w", err)
	}

	if err := s.store.SetRunContainerRef(ctx, run.ID, wt.Path); err != nil {
		return "", err
	}
	run.ContainerRef = &wt.Path
	return wt.Path, nil
}

// createProcess persists a pending process row for the subject.
func (s *LocalService) createProcess(ctx context.Context, subject store.Subject, action ExecutorAction, reason store.RunReason) (*store.ExecutionProcess, error) {
	process := &store.ExecutionProcess{
		ID:              uuid.New().String(),
		RunReason:       reason,
		Status:          store.ProcessStatusPending,
		ExecutorProfile: action.Profile.String(),
	}
	if subject.AttemptID != "" {
		process.TaskAttemptID = &subject.AttemptID
	}
	if subject.RunID != "" {
		process.ExecutionRunID = &subject.RunID
	}
	if action.SessionID != "" {
		process.SessionID = &action.SessionID
	}

	if err := s.store.CreateProcess(ctx, process); err != nil {
		return nil, err
	}
	return process, nil
}

// startProcess hands the process to the backend and tracks the
// pending→running / pending→failed transition.
func (s *LocalService) startProcess(ctx context.Context, process *store.ExecutionProcess, workDir string, action ExecutorAction) error {
	req := StartRequest{
		ProcessID: process.ID,
		WorkDir:   workDir,
		Action:    action,
	}

	if err := s.backend.Start(ctx, req); err != nil {
		if markErr := s.store.UpdateProcessStatus(ctx, process.ID, store.ProcessStatusFailed); markErr != nil {
			s.logger.Warn("failed to mark process failed",
				zap.String("process_id", process.ID),
				zap.Error(markErr))
		}
		process.Status = store.ProcessStatusFailed
		return err
	}

	if err := s.store.UpdateProcessStatus(ctx, process.ID, store.ProcessStatusRunning); err != nil {
		return err
	}
	process.Status = store.ProcessStatusRunning

	s.logger.Info("started execution process",
		zap.String("process_id", process.ID),
		zap.String("run_reason", string(process.RunReason)),
		zap.String("action", string(action.Type)))
	return nil
}
