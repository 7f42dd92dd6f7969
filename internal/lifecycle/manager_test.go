package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeboard/forgeboard/internal/common/logger"
	"github.com/forgeboard/forgeboard/internal/container"
	"github.com/forgeboard/forgeboard/internal/events"
	"github.com/forgeboard/forgeboard/internal/events/bus"
	"github.com/forgeboard/forgeboard/internal/store"
	"github.com/forgeboard/forgeboard/internal/worktree"
	"github.com/forgeboard/forgeboard/pkg/patch"
)

// fakeContainer mimics the local container service against the real store,
// without worktrees or subprocesses.
type fakeContainer struct {
	store    *store.Store
	mu       sync.Mutex
	actions  []container.ExecutorAction
	startErr error
}

func (f *fakeContainer) record(action container.ExecutorAction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
}

func (f *fakeContainer) lastAction() container.ExecutorAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actions[len(f.actions)-1]
}

func (f *fakeContainer) createProcess(ctx context.Context, subject store.Subject, action container.ExecutorAction, reason store.RunReason) (*store.ExecutionProcess, error) {
	process := &store.ExecutionProcess{
		RunReason:       reason,
		Status:          store.ProcessStatusRunning,
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
	if err := f.store.CreateProcess(ctx, process); err != nil {
		return nil, err
	}
	return process, nil
}

func (f *fakeContainer) StartAttempt(ctx context.Context, attempt *store.TaskAttempt, action container.ExecutorAction) (bool, error) {
	if f.startErr != nil {
		return false, f.startErr
	}
	f.record(action)
	if _, err := f.createProcess(ctx, store.AttemptSubject(attempt.ID), action, store.RunReasonCodingAgent); err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeContainer) StartRun(ctx context.Context, run *store.ExecutionRun, profile store.ExecutorProfileSpec) (*store.ExecutionProcess, error) {
	return f.StartExecutionForRun(ctx, run, container.InitialAction(run.Prompt, profile), store.RunReasonCodingAgent)
}

func (f *fakeContainer) StartExecutionForRun(ctx context.Context, run *store.ExecutionRun, action container.ExecutorAction, reason store.RunReason) (*store.ExecutionProcess, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.record(action)
	return f.createProcess(ctx, store.RunSubject(run.ID), action, reason)
}

func (f *fakeContainer) StopExecution(ctx context.Context, process *store.ExecutionProcess, status store.ProcessStatus) error {
	err := f.store.UpdateProcessStatus(ctx, process.ID, status)
	if errors.Is(err, store.ErrProcessTerminal) {
		return nil
	}
	return err
}

func (f *fakeContainer) StreamRawLogsForRun(ctx context.Context, runID string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (f *fakeContainer) HasRunningProcesses(ctx context.Context, taskID string) (bool, error) {
	return f.store.HasRunningProcesses(ctx, taskID)
}

func (f *fakeContainer) GitBranchFromTaskAttempt(attemptID, title string) string {
	name := worktree.SanitizeForBranch(title, 20)
	if name == "" {
		name = attemptID
	}
	return "forge/" + name + "-" + attemptID[:8]
}

// fakeReclaimer records removals and can be told to fail.
type fakeReclaimer struct {
	mu      sync.Mutex
	removed []string
	fail    bool
}

func (r *fakeReclaimer) Remove(ctx context.Context, repoPath, worktreePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("reclaim failed")
	}
	r.removed = append(r.removed, worktreePath)
	return nil
}

func (r *fakeReclaimer) removedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

type testEnv struct {
	store     *store.Store
	manager   *Manager
	container *fakeContainer
	reclaimer *fakeReclaimer
	bus       *bus.MemoryEventBus
	project   *store.Project
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	conn, err := sqlx.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	st, err := store.NewWithDB(conn, conn)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	fc := &fakeContainer{store: st}
	fr := &fakeReclaimer{}
	memBus := bus.NewMemoryEventBus(log)
	mgr := NewManager(st, fc, fr, memBus, log)

	project := &store.Project{Name: "demo", GitRepoPath: "/tmp/demo", DefaultBranch: "main"}
	require.NoError(t, st.CreateProject(context.Background(), project))

	return &testEnv{store: st, manager: mgr, container: fc, reclaimer: fr, bus: memBus, project: project}
}

func strPtr(s string) *string { return &s }

func TestCreateAndStartTaskWithWorktree(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Fix login bug",
		Description:     "the session cookie expires too early",
		ExecutorProfile: "claude:sonnet",
		UseWorktree:     true,
	})
	require.NoError(t, err)
	assert.True(t, result.Started)
	assert.Equal(t, store.TaskStatusTodo, result.Task.Status)
	assert.Equal(t, "main", result.Attempt.TargetBranch)
	assert.Contains(t, result.Attempt.Branch, "forge/fix-login-bug-")

	// first turn carries the description as prompt
	action := env.container.lastAction()
	assert.Equal(t, container.ActionTypeInitial, action.Type)
	assert.Equal(t, "the session cookie expires too early", action.Prompt)
	assert.Equal(t, "claude", action.Profile.Executor)
	assert.Equal(t, "sonnet", action.Profile.Variant)
}

func TestCreateAndStartTaskAgentStatusFromTheStart(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Quick question",
		ExecutorProfile: "claude",
		UseWorktree:     false,
	})
	require.NoError(t, err)

	// never created in one status and patched to another
	assert.Equal(t, store.TaskStatusAgent, result.Task.Status)

	hidden, err := env.store.IsAgentTask(ctx, result.Task.ID)
	require.NoError(t, err)
	assert.True(t, hidden)
}

func TestCreateAndStartTaskValidation(t *testing.T) {
	env := setupEnv(t)

	_, err := env.manager.CreateAndStartTask(context.Background(), CreateAndStartRequest{
		Title:           "no project",
		ExecutorProfile: "claude",
	})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.manager.CreateAndStartTask(context.Background(), CreateAndStartRequest{
		ProjectID:       env.project.ID,
		ExecutorProfile: "claude",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateAndStartTaskContainerFailureNotFatal(t *testing.T) {
	env := setupEnv(t)
	env.container.startErr = errors.New("docker daemon unreachable")

	result, err := env.manager.CreateAndStartTask(context.Background(), CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Doomed start",
		ExecutorProfile: "claude",
		UseWorktree:     true,
	})
	require.NoError(t, err)
	assert.False(t, result.Started)

	// records persist despite the failed start
	_, err = env.store.GetTask(context.Background(), result.Task.ID)
	require.NoError(t, err)
	_, err = env.store.GetAttempt(context.Background(), result.Attempt.ID)
	require.NoError(t, err)
}

func TestCreateRun(t *testing.T) {
	env := setupEnv(t)

	run, err := env.manager.CreateRun(context.Background(), CreateRunRequest{
		ProjectID:       env.project.ID,
		Prompt:          "generate a commit message",
		ExecutorProfile: "claude:haiku",
	})
	require.NoError(t, err)
	assert.Equal(t, "run/"+run.ID[:8], run.Branch)
	assert.Equal(t, "main", run.TargetBranch)

	action := env.container.lastAction()
	assert.Equal(t, container.ActionTypeInitial, action.Type)
	assert.Equal(t, "generate a commit message", action.Prompt)
}

func TestFollowUpContinuesLatestSession(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Session reuse",
		ExecutorProfile: "claude:sonnet",
		UseWorktree:     true,
	})
	require.NoError(t, err)
	subject := store.AttemptSubject(result.Attempt.ID)

	// executor opened a session on the first turn
	first, err := env.store.FindLatestProcess(ctx, subject)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateProcessSession(ctx, first.ID, "sess-42"))
	require.NoError(t, env.store.UpdateProcessStatus(ctx, first.ID, store.ProcessStatusCompleted))

	_, err = env.manager.FollowUp(ctx, subject, "now add tests", "")
	require.NoError(t, err)

	action := env.container.lastAction()
	assert.Equal(t, container.ActionTypeFollowUp, action.Type)
	assert.Equal(t, "sess-42", action.SessionID)
	assert.Equal(t, "now add tests", action.Prompt)
}

func TestFollowUpFreshWhenNoSessionExists(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "No session yet",
		ExecutorProfile: "claude:sonnet",
		UseWorktree:     true,
	})
	require.NoError(t, err)

	// prior process never opened a session
	_, err = env.manager.FollowUp(ctx, store.AttemptSubject(result.Attempt.ID), "try again", "")
	require.NoError(t, err)

	action := env.container.lastAction()
	assert.Equal(t, container.ActionTypeInitial, action.Type)
	assert.Empty(t, action.SessionID)
}

func TestFollowUpRereadsProfileFromLatestProcess(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Variant switch",
		ExecutorProfile: "claude:sonnet",
		UseWorktree:     true,
	})
	require.NoError(t, err)
	subject := store.AttemptSubject(result.Attempt.ID)

	first, err := env.store.FindLatestProcess(ctx, subject)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateProcessStatus(ctx, first.ID, store.ProcessStatusCompleted))

	// a turn later switched the variant
	_, err = env.manager.FollowUp(ctx, subject, "switch it up", "opus")
	require.NoError(t, err)
	assert.Equal(t, "claude:opus", env.container.lastAction().Profile.String())

	second, err := env.store.FindLatestProcess(ctx, subject)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateProcessStatus(ctx, second.ID, store.ProcessStatusCompleted))

	// without an override, the switched variant carries forward
	_, err = env.manager.FollowUp(ctx, subject, "keep going", "")
	require.NoError(t, err)
	assert.Equal(t, "claude:opus", env.container.lastAction().Profile.String())
}

func TestStopIsIdempotent(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Stop me",
		ExecutorProfile: "claude",
		UseWorktree:     true,
	})
	require.NoError(t, err)
	subject := store.AttemptSubject(result.Attempt.ID)

	require.NoError(t, env.manager.Stop(ctx, subject))

	process, err := env.store.FindLatestProcess(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, store.ProcessStatusKilled, process.Status)

	// nothing running anymore, still succeeds
	require.NoError(t, env.manager.Stop(ctx, subject))
	process, err = env.store.FindLatestProcess(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, store.ProcessStatusKilled, process.Status)
}

func TestDeleteTaskConflictWhileRunning(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Busy task",
		ExecutorProfile: "claude",
		UseWorktree:     true,
	})
	require.NoError(t, err)

	err = env.manager.DeleteTask(ctx, result.Task.ID)
	assert.ErrorIs(t, err, ErrRunningProcesses)

	// store unchanged
	_, err = env.store.GetTask(ctx, result.Task.ID)
	require.NoError(t, err)
}

func TestDeleteTaskNullsChildrenAndReclaims(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Parent task",
		ExecutorProfile: "claude",
		UseWorktree:     true,
	})
	require.NoError(t, err)
	require.NoError(t, env.manager.Stop(ctx, store.AttemptSubject(result.Attempt.ID)))
	require.NoError(t, env.store.SetAttemptContainerRef(ctx, result.Attempt.ID, "/worktrees/parent_a1"))

	child := &store.Task{
		ProjectID:         env.project.ID,
		Title:             "Child task",
		Status:            store.TaskStatusTodo,
		ParentTaskAttempt: strPtr(result.Attempt.ID),
	}
	require.NoError(t, env.store.CreateTask(ctx, child))

	require.NoError(t, env.manager.DeleteTask(ctx, result.Task.ID))
	env.manager.Wait()

	_, err = env.store.GetTask(ctx, result.Task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	stored, err := env.store.GetTask(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ParentTaskAttempt)

	assert.Equal(t, []string{"/worktrees/parent_a1"}, env.reclaimer.removedPaths())
}

func TestArchiveTaskMarksWorktreeDeleted(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Archive me",
		ExecutorProfile: "claude",
		UseWorktree:     true,
	})
	require.NoError(t, err)
	require.NoError(t, env.store.SetAttemptContainerRef(ctx, result.Attempt.ID, "/worktrees/archive_a1"))

	task, err := env.manager.ArchiveTask(ctx, result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusArchived, task.Status)

	env.manager.Wait()

	attempt, err := env.store.GetAttempt(ctx, result.Attempt.ID)
	require.NoError(t, err)
	assert.True(t, attempt.WorktreeDeleted)
	assert.Contains(t, env.reclaimer.removedPaths(), "/worktrees/archive_a1")
}

func TestUpdateTaskArchiveTransitionReclaims(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Rename then archive",
		ExecutorProfile: "claude",
		UseWorktree:     true,
	})
	require.NoError(t, err)
	require.NoError(t, env.store.SetAttemptContainerRef(ctx, result.Attempt.ID, "/worktrees/patched_a1"))

	archived := store.TaskStatusArchived
	task, err := env.manager.UpdateTask(ctx, result.Task.ID, UpdateTaskRequest{
		Title:  strPtr("Renamed task"),
		Status: &archived,
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed task", task.Title)
	assert.Equal(t, store.TaskStatusArchived, task.Status)

	env.manager.Wait()
	assert.Contains(t, env.reclaimer.removedPaths(), "/worktrees/patched_a1")
}

func TestUpdateTaskPlainStatusChange(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Move along",
		ExecutorProfile: "claude",
		UseWorktree:     true,
	})
	require.NoError(t, err)

	inReview := store.TaskStatusInReview
	task, err := env.manager.UpdateTask(ctx, result.Task.ID, UpdateTaskRequest{Status: &inReview})
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusInReview, task.Status)

	// no archive path taken, so nothing is reclaimed
	env.manager.Wait()
	assert.Empty(t, env.reclaimer.removedPaths())
}

func TestArchiveTaskFailedReclaimLeavesFlagUnset(t *testing.T) {
	env := setupEnv(t)
	env.reclaimer.fail = true
	ctx := context.Background()

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Sticky worktree",
		ExecutorProfile: "claude",
		UseWorktree:     true,
	})
	require.NoError(t, err)
	require.NoError(t, env.store.SetAttemptContainerRef(ctx, result.Attempt.ID, "/worktrees/sticky_a1"))

	_, err = env.manager.ArchiveTask(ctx, result.Task.ID)
	require.NoError(t, err)
	env.manager.Wait()

	// a later reconciliation pass can retry
	attempt, err := env.store.GetAttempt(ctx, result.Attempt.ID)
	require.NoError(t, err)
	assert.False(t, attempt.WorktreeDeleted)
}

func TestCreateTaskPublishesBoardPatch(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	received := make(chan *bus.Event, 1)
	_, err := env.bus.Subscribe(events.BuildBoardSubject(env.project.ID), func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	result, err := env.manager.CreateAndStartTask(ctx, CreateAndStartRequest{
		ProjectID:       env.project.ID,
		Title:           "Visible task",
		ExecutorProfile: "claude",
		UseWorktree:     true,
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, events.TaskCreated, event.Type)
		var op patch.Operation
		require.NoError(t, event.Decode(&op))
		assert.Equal(t, patch.OpAdd, op.Op)
		assert.Equal(t, "/tasks/"+result.Task.ID, op.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no board patch received")
	}
}
