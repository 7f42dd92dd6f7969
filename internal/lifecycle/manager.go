package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/forgeboard/forgeboard/internal/common/logger"
	"github.com/forgeboard/forgeboard/internal/container"
	"github.com/forgeboard/forgeboard/internal/events"
	"github.com/forgeboard/forgeboard/internal/events/bus"
	"github.com/forgeboard/forgeboard/internal/store"
	"github.com/forgeboard/forgeboard/pkg/patch"
)

// WorktreeReclaimer removes a worktree from disk. Satisfied by
// worktree.Manager.
type WorktreeReclaimer interface {
	Remove(ctx context.Context, repoPath, worktreePath string) error
}

// Manager owns the task/attempt/run lifecycle. Container interaction goes
// exclusively through the container.Service interface.
type Manager struct {
	store     *store.Store
	container container.Service
	reclaimer WorktreeReclaimer
	bus       bus.EventBus
	logger    *logger.Logger

	bg sync.WaitGroup
}

// NewManager creates a lifecycle manager.
func NewManager(st *store.Store, cs container.Service, reclaimer WorktreeReclaimer, eventBus bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		store:     st,
		container: cs,
		reclaimer: reclaimer,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "lifecycle-manager")),
	}
}

// Wait blocks until all background reclaim work has finished. Used during
// shutdown and by tests.
func (m *Manager) Wait() {
	m.bg.Wait()
}

// CreateAndStartRequest describes a task to create and immediately start.
type CreateAndStartRequest struct {
	ProjectID       string `json:"project_id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	ExecutorProfile string `json:"executor_profile"` // "executor" or "executor:variant"
	BaseBranch      string `json:"base_branch"`
	UseWorktree     bool   `json:"use_worktree"`
	AgentKind       string `json:"agent_kind"`
}

func (r *CreateAndStartRequest) validate() error {
	if r.ProjectID == "" {
		return &ValidationError{Field: "project_id"}
	}
	if r.Title == "" {
		return &ValidationError{Field: "title"}
	}
	if r.ExecutorProfile == "" {
		return &ValidationError{Field: "executor_profile"}
	}
	return nil
}

// CreateAndStartResult is the outcome of CreateAndStartTask. Started is false
// when the executor could not be started; the task and attempt rows persist
// regardless.
type CreateAndStartResult struct {
	Task    *store.Task        `json:"task"`
	Attempt *store.TaskAttempt `json:"attempt"`
	Started bool               `json:"started"`
}

// CreateAndStartTask creates a task with its initial status chosen up front
// (todo when worktree-isolated, agent otherwise), creates the first attempt,
// and asks the container service to start it. A container start failure is
// logged, not returned: the caller observes Started=false.
func (m *Manager) CreateAndStartTask(ctx context.Context, req CreateAndStartRequest) (*CreateAndStartResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	project, err := m.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = project.DefaultBranch
	}

	task := &store.Task{
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
	}

	// The status is final at insert time. Agent tasks register their hidden-set
	// membership in the same transaction as the task row, so a live board
	// subscriber can never observe them unfiltered.
	if req.UseWorktree {
		task.Status = store.TaskStatusTodo
		err = m.store.CreateTask(ctx, task)
	} else {
		agentKind := req.AgentKind
		if agentKind == "" {
			agentKind = "chat"
		}
		err = m.store.CreateAgentTask(ctx, task, agentKind)
	}
	if err != nil {
		return nil, err
	}

	attempt := &store.TaskAttempt{
		ID:           uuid.New().String(),
		TaskID:       task.ID,
		Executor:     req.ExecutorProfile,
		TargetBranch: baseBranch,
	}
	attempt.Branch = m.container.GitBranchFromTaskAttempt(attempt.ID, task.Title)
	if err := m.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	m.publishTaskAdded(ctx, task)

	action := container.InitialAction(req.Description, store.ParseExecutorProfile(req.ExecutorProfile))
	started, err := m.container.StartAttempt(ctx, attempt, action)
	if err != nil {
		// Upstream failure: the records persist, the caller observes
		// has_in_progress_attempt=false.
		m.logger.Error("container start failed for new task",
			zap.String("task_id", task.ID),
			zap.String("attempt_id", attempt.ID),
			zap.Error(err))
		started = false
	}

	return &CreateAndStartResult{Task: task, Attempt: attempt, Started: started}, nil
}

// CreateRunRequest describes a detached run to create and start.
type CreateRunRequest struct {
	ProjectID       string `json:"project_id"`
	Prompt          string `json:"prompt"`
	ExecutorProfile string `json:"executor_profile"`
	BaseBranch      string `json:"base_branch"`
}

func (r *CreateRunRequest) validate() error {
	if r.ProjectID == "" {
		return &ValidationError{Field: "project_id"}
	}
	if r.Prompt == "" {
		return &ValidationError{Field: "prompt"}
	}
	if r.ExecutorProfile == "" {
		return &ValidationError{Field: "executor_profile"}
	}
	return nil
}

// CreateRun creates a detached execution run and starts it best-effort. The
// branch name is derived from the run id prefix to stay short and
// collision-resistant.
func (m *Manager) CreateRun(ctx context.Context, req CreateRunRequest) (*store.ExecutionRun, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	project, err := m.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = project.DefaultBranch
	}

	run := &store.ExecutionRun{
		ID:           uuid.New().String(),
		ProjectID:    req.ProjectID,
		Prompt:       req.Prompt,
		Executor:     req.ExecutorProfile,
		TargetBranch: baseBranch,
	}
	run.Branch = "run/" + run.ID[:8]

	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if _, err := m.container.StartRun(ctx, run, store.ParseExecutorProfile(req.ExecutorProfile)); err != nil {
		m.logger.Error("container start failed for run",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}

	return run, nil
}

// FollowUp dispatches a new prompt to an attempt or run, continuing its
// latest session when one exists. Continuation is resolved synchronously
// before the new process starts, so a follow-up never addresses a stale
// session.
func (m *Manager) FollowUp(ctx context.Context, subject store.Subject, prompt string, variantOverride string) (*store.ExecutionProcess, error) {
	if prompt == "" {
		return nil, &ValidationError{Field: "prompt"}
	}

	action, err := m.resolveContinuation(ctx, subject, prompt, variantOverride)
	if err != nil {
		return nil, err
	}

	if subject.AttemptID != "" {
		attempt, err := m.store.GetAttempt(ctx, subject.AttemptID)
		if err != nil {
			return nil, err
		}
		if _, err := m.container.StartAttempt(ctx, attempt, action); err != nil {
			return nil, err
		}
		return m.store.FindLatestProcess(ctx, subject)
	}

	run, err := m.store.GetRun(ctx, subject.RunID)
	if err != nil {
		return nil, err
	}
	process, err := m.container.StartExecutionForRun(ctx, run, action, store.RunReasonCodingAgent)
	if err != nil {
		m.logger.Error("follow-up start failed for run",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
	return process, nil
}

// resolveContinuation picks fresh-vs-continue for a follow-up. The executor
// profile is re-read from the newest process record, not the attempt's
// original profile, so variant switches on earlier turns carry forward.
func (m *Manager) resolveContinuation(ctx context.Context, subject store.Subject, prompt, variantOverride string) (container.ExecutorAction, error) {
	profileStr, err := m.store.LatestExecutorProfile(ctx, subject)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return container.ExecutorAction{}, err
		}
		// First turn: fall back to the profile recorded on the subject itself.
		profileStr, err = m.subjectExecutor(ctx, subject)
		if err != nil {
			return container.ExecutorAction{}, err
		}
	}

	profile := store.ParseExecutorProfile(profileStr)
	if variantOverride != "" {
		profile = profile.WithVariant(variantOverride)
	}

	sessionID, err := m.store.FindLatestSessionID(ctx, subject)
	if err != nil {
		return container.ExecutorAction{}, err
	}
	if sessionID == nil {
		return container.InitialAction(prompt, profile), nil
	}
	return container.FollowUpAction(prompt, *sessionID, profile), nil
}

func (m *Manager) subjectExecutor(ctx context.Context, subject store.Subject) (string, error) {
	if subject.AttemptID != "" {
		attempt, err := m.store.GetAttempt(ctx, subject.AttemptID)
		if err != nil {
			return "", err
		}
		return attempt.Executor, nil
	}
	run, err := m.store.GetRun(ctx, subject.RunID)
	if err != nil {
		return "", err
	}
	return run.Executor, nil
}

// Stop transitions the subject's latest non-terminal coding-agent process to
// killed. Stopping a subject with nothing running is a no-op.
func (m *Manager) Stop(ctx context.Context, subject store.Subject) error {
	process, err := m.store.FindLatestNonTerminalByRunReason(ctx, subject, store.RunReasonCodingAgent)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.container.StopExecution(ctx, process, store.ProcessStatusKilled)
}

// UpdateTaskRequest carries the mutable task fields. Nil fields are left
// untouched.
type UpdateTaskRequest struct {
	Title       *string           `json:"title"`
	Description *string           `json:"description"`
	Status      *store.TaskStatus `json:"status"`
}

// UpdateTask applies a partial update and publishes the board patch. A status
// transition into archived is routed through ArchiveTask so worktree
// reclamation happens exactly once.
func (m *Manager) UpdateTask(ctx context.Context, taskID string, req UpdateTaskRequest) (*store.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}

	archiving := req.Status != nil &&
		*req.Status == store.TaskStatusArchived &&
		task.Status != store.TaskStatusArchived
	if req.Status != nil && !archiving {
		task.Status = *req.Status
	}

	if err := m.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	if archiving {
		return m.ArchiveTask(ctx, taskID)
	}

	m.publishTaskUpdated(ctx, task)
	return task, nil
}

// DeleteTask deletes a task and everything under it. Rejected with
// ErrRunningProcesses while any process is live. Child tasks' parent-attempt
// references are nulled in the same transaction as the deletion; worktree
// removal happens afterwards in the background and cannot roll it back.
func (m *Manager) DeleteTask(ctx context.Context, taskID string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	running, err := m.container.HasRunningProcesses(ctx, taskID)
	if err != nil {
		return err
	}
	if running {
		return ErrRunningProcesses
	}

	// Gather cleanup data before the rows disappear.
	paths, repoPath, err := m.worktreePaths(ctx, task)
	if err != nil {
		return err
	}

	if err := m.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		return m.store.DeleteTaskTx(ctx, tx, taskID)
	}); err != nil {
		return err
	}

	m.publishTaskRemoved(ctx, task)
	m.reclaimInBackground(task.ID, repoPath, paths, nil)
	return nil
}

// ArchiveTask transitions a task to archived and reclaims its worktrees in
// the background. Each attempt's worktree_deleted flag is set only after its
// worktree was actually removed, so a failed cleanup can be retried later.
func (m *Manager) ArchiveTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	task.Status = store.TaskStatusArchived
	if err := m.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	m.publishTaskUpdated(ctx, task)

	attempts, err := m.store.ListAttemptsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	project, err := m.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}

	var paths []string
	var attemptIDs []string
	for _, attempt := range attempts {
		if attempt.ContainerRef == nil || attempt.WorktreeDeleted {
			continue
		}
		paths = append(paths, *attempt.ContainerRef)
		attemptIDs = append(attemptIDs, attempt.ID)
	}

	m.reclaimInBackground(task.ID, project.GitRepoPath, paths, attemptIDs)
	return task, nil
}

// worktreePaths collects the live worktree paths of a task's attempts plus
// the project repository path.
func (m *Manager) worktreePaths(ctx context.Context, task *store.Task) ([]string, string, error) {
	project, err := m.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, "", err
	}

	attempts, err := m.store.ListAttemptsByTask(ctx, task.ID)
	if err != nil {
		return nil, "", err
	}

	var paths []string
	for _, attempt := range attempts {
		if attempt.ContainerRef != nil && !attempt.WorktreeDeleted {
			paths = append(paths, *attempt.ContainerRef)
		}
	}
	return paths, project.GitRepoPath, nil
}

// reclaimInBackground removes worktrees off the request path. When attemptIDs
// is non-nil (archive), each successful removal marks the matching attempt's
// worktree_deleted flag; failures leave it unset for a later retry.
func (m *Manager) reclaimInBackground(taskID, repoPath string, paths, attemptIDs []string) {
	if m.reclaimer == nil || len(paths) == 0 {
		return
	}

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx := context.Background()

		for i, path := range paths {
			if err := m.reclaimer.Remove(ctx, repoPath, path); err != nil {
				m.logger.Warn("worktree reclaim failed",
					zap.String("task_id", taskID),
					zap.String("path", path),
					zap.Error(err))
				continue
			}
			if attemptIDs != nil {
				if err := m.store.MarkAttemptWorktreeDeleted(ctx, attemptIDs[i]); err != nil {
					m.logger.Warn("failed to mark worktree deleted",
						zap.String("attempt_id", attemptIDs[i]),
						zap.Error(err))
				}
			}
		}

		m.logger.Info("worktree reclaim finished",
			zap.String("task_id", taskID),
			zap.Int("worktrees", len(paths)))
	}()
}

func (m *Manager) publishTaskAdded(ctx context.Context, task *store.Task) {
	op, err := patch.NewAdd("/tasks/"+task.ID, task)
	if err != nil {
		m.logger.Warn("failed to build task patch", zap.Error(err))
		return
	}
	m.publishPatch(ctx, task.ProjectID, events.TaskCreated, op)
}

func (m *Manager) publishTaskUpdated(ctx context.Context, task *store.Task) {
	op, err := patch.NewReplace("/tasks/"+task.ID, task)
	if err != nil {
		m.logger.Warn("failed to build task patch", zap.Error(err))
		return
	}
	m.publishPatch(ctx, task.ProjectID, events.TaskUpdated, op)
}

func (m *Manager) publishTaskRemoved(ctx context.Context, task *store.Task) {
	m.publishPatch(ctx, task.ProjectID, events.TaskDeleted, patch.NewRemove("/tasks/"+task.ID))
}

// publishPatch emits a board patch event. Publishing is best-effort: board
// streaming is a cache on top of the store, never the other way around.
func (m *Manager) publishPatch(ctx context.Context, projectID, eventType string, op patch.Operation) {
	if m.bus == nil {
		return
	}
	event, err := bus.NewEvent(eventType, "lifecycle-manager", op)
	if err != nil {
		m.logger.Warn("failed to build board event", zap.Error(err))
		return
	}
	if err := m.bus.Publish(ctx, events.BuildBoardSubject(projectID), event); err != nil {
		m.logger.Warn("failed to publish board event",
			zap.String("project_id", projectID),
			zap.Error(err))
	}
}
