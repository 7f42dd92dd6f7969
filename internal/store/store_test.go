package store

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a store backed by an in-memory SQLite database.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	conn, err := sqlx.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	s, err := NewWithDB(conn, conn)
	require.NoError(t, err)
	return s
}

func createTestProject(t *testing.T, s *Store) *Project {
	t.Helper()
	project := &Project{Name: "demo", GitRepoPath: "/tmp/demo", DefaultBranch: "main"}
	require.NoError(t, s.CreateProject(context.Background(), project))
	return project
}

func createTestTask(t *testing.T, s *Store, projectID string, status TaskStatus) *Task {
	t.Helper()
	task := &Task{ProjectID: projectID, Title: "fix login bug", Status: status}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

func createTestAttempt(t *testing.T, s *Store, taskID string) *TaskAttempt {
	t.Helper()
	attempt := &TaskAttempt{TaskID: taskID, Executor: "claude:default", Branch: "forge/fix-login-abc", TargetBranch: "main"}
	require.NoError(t, s.CreateAttempt(context.Background(), attempt))
	return attempt
}

func strPtr(s string) *string { return &s }

func TestStore_ProjectCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	project := createTestProject(t, s)

	got, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, "main", got.DefaultBranch)

	got.Name = "renamed"
	require.NoError(t, s.UpdateProject(ctx, got))

	got, err = s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	require.NoError(t, s.DeleteProject(ctx, project.ID))
	_, err = s.GetProject(ctx, project.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetTaskNotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AgentTaskCreatedAtomically(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)

	task := &Task{ProjectID: project.ID, Title: "chat agent"}
	require.NoError(t, s.CreateAgentTask(ctx, task, "chat"))

	// Status is agent from creation, never todo first
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusAgent, got.Status)

	// Membership row exists in the same commit
	hidden, err := s.IsAgentTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, hidden)

	ids, err := s.ListAgentTaskIDs(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, ids)
}

func TestStore_KanbanListingExcludesAgentTasks(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)

	visible := createTestTask(t, s, project.ID, TaskStatusTodo)

	agent := &Task{ProjectID: project.ID, Title: "hidden agent"}
	require.NoError(t, s.CreateAgentTask(ctx, agent, "chat"))

	tasks, err := s.ListKanbanTasks(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, visible.ID, tasks[0].ID)

	// Agent task is still reachable through the agent listing
	agentTasks, err := s.ListAgentTasks(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, agentTasks, 1)
	assert.Equal(t, agent.ID, agentTasks[0].ID)
}

func TestStore_KanbanComputedColumns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)
	task := createTestTask(t, s, project.ID, TaskStatusInProgress)
	attempt := createTestAttempt(t, s, task.ID)

	process := &ExecutionProcess{
		TaskAttemptID:   &attempt.ID,
		RunReason:       RunReasonCodingAgent,
		Status:          ProcessStatusRunning,
		ExecutorProfile: "claude:default",
	}
	require.NoError(t, s.CreateProcess(ctx, process))

	tasks, err := s.ListKanbanTasks(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].HasInProgressAttempt)
	assert.False(t, tasks[0].LastAttemptFailed)
	require.NotNil(t, tasks[0].Executor)
	assert.Equal(t, "claude:default", *tasks[0].Executor)
	assert.Equal(t, 1, tasks[0].AttemptCount)

	// Kill the process: in-progress clears, last-attempt-failed flips
	require.NoError(t, s.UpdateProcessStatus(ctx, process.ID, ProcessStatusKilled))

	tasks, err = s.ListKanbanTasks(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].HasInProgressAttempt)
	assert.True(t, tasks[0].LastAttemptFailed)
}

func TestStore_ContainerRefUniqueAcrossRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)

	first := &ExecutionRun{ProjectID: project.ID, Prompt: "p1", Executor: "claude", Branch: "run/aaaa1111", TargetBranch: "main"}
	require.NoError(t, s.CreateRun(ctx, first))
	require.NoError(t, s.SetRunContainerRef(ctx, first.ID, "/worktrees/wt-1"))

	second := &ExecutionRun{ProjectID: project.ID, Prompt: "p2", Executor: "claude", Branch: "run/bbbb2222", TargetBranch: "main"}
	require.NoError(t, s.CreateRun(ctx, second))

	err := s.SetRunContainerRef(ctx, second.ID, "/worktrees/wt-1")
	assert.ErrorIs(t, err, ErrContainerRefTaken)

	// The original binding still resolves
	resolved, err := s.ResolveContainerRef(ctx, "/worktrees/wt-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, resolved.ID)
}

func TestStore_WorktreeDeletedOneWay(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)
	task := createTestTask(t, s, project.ID, TaskStatusTodo)
	attempt := createTestAttempt(t, s, task.ID)

	require.NoError(t, s.SetAttemptContainerRef(ctx, attempt.ID, "/worktrees/wt-a"))
	require.NoError(t, s.MarkAttemptWorktreeDeleted(ctx, attempt.ID))

	got, err := s.GetAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.True(t, got.WorktreeDeleted)

	// Marking again is a no-op, not an error
	require.NoError(t, s.MarkAttemptWorktreeDeleted(ctx, attempt.ID))
	got, err = s.GetAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.True(t, got.WorktreeDeleted)

	// Missing attempt is reported
	err = s.MarkAttemptWorktreeDeleted(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteTaskNullsChildReferences(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)

	parent := createTestTask(t, s, project.ID, TaskStatusTodo)
	attemptA := createTestAttempt(t, s, parent.ID)
	attemptB := createTestAttempt(t, s, parent.ID)

	child := &Task{ProjectID: project.ID, Title: "follow-on", ParentTaskAttempt: &attemptA.ID}
	require.NoError(t, s.CreateTask(ctx, child))

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.DeleteTaskTx(ctx, tx, parent.ID)
	})
	require.NoError(t, err)

	// Parent and both attempts are gone
	_, err = s.GetTask(ctx, parent.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAttempt(ctx, attemptA.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAttempt(ctx, attemptB.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Child survives with its parent reference nulled
	gotChild, err := s.GetTask(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, gotChild.ParentTaskAttempt)
}

func TestStore_ProcessStatusTerminalAbsorbing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)
	task := createTestTask(t, s, project.ID, TaskStatusTodo)
	attempt := createTestAttempt(t, s, task.ID)

	process := &ExecutionProcess{TaskAttemptID: &attempt.ID, RunReason: RunReasonCodingAgent, ExecutorProfile: "claude"}
	require.NoError(t, s.CreateProcess(ctx, process))
	assert.Equal(t, ProcessStatusPending, process.Status)

	require.NoError(t, s.UpdateProcessStatus(ctx, process.ID, ProcessStatusRunning))
	require.NoError(t, s.UpdateProcessStatus(ctx, process.ID, ProcessStatusCompleted))

	got, err := s.GetProcess(ctx, process.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Terminal states are absorbing
	err = s.UpdateProcessStatus(ctx, process.ID, ProcessStatusKilled)
	assert.ErrorIs(t, err, ErrProcessTerminal)

	got, err = s.GetProcess(ctx, process.ID)
	require.NoError(t, err)
	assert.Equal(t, ProcessStatusCompleted, got.Status)
}

func TestStore_FindLatestSessionID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)
	task := createTestTask(t, s, project.ID, TaskStatusTodo)
	attempt := createTestAttempt(t, s, task.ID)
	subject := AttemptSubject(attempt.ID)

	// No processes at all
	sessionID, err := s.FindLatestSessionID(ctx, subject)
	require.NoError(t, err)
	assert.Nil(t, sessionID)

	// Process without a session id
	p1 := &ExecutionProcess{TaskAttemptID: &attempt.ID, RunReason: RunReasonSetupScript, ExecutorProfile: "claude"}
	require.NoError(t, s.CreateProcess(ctx, p1))

	sessionID, err = s.FindLatestSessionID(ctx, subject)
	require.NoError(t, err)
	assert.Nil(t, sessionID)

	// Process that opened a session
	p2 := &ExecutionProcess{TaskAttemptID: &attempt.ID, RunReason: RunReasonCodingAgent, ExecutorProfile: "claude", SessionID: strPtr("sess-1")}
	require.NoError(t, s.CreateProcess(ctx, p2))

	sessionID, err = s.FindLatestSessionID(ctx, subject)
	require.NoError(t, err)
	require.NotNil(t, sessionID)
	assert.Equal(t, "sess-1", *sessionID)
}

func TestStore_LatestExecutorProfileHonorsVariantSwitch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)

	run := &ExecutionRun{ProjectID: project.ID, Prompt: "p", Executor: "claude:default", Branch: "run/cccc3333", TargetBranch: "main"}
	require.NoError(t, s.CreateRun(ctx, run))
	subject := RunSubject(run.ID)

	p1 := &ExecutionProcess{ExecutionRunID: &run.ID, RunReason: RunReasonCodingAgent, ExecutorProfile: "claude:default"}
	require.NoError(t, s.CreateProcess(ctx, p1))
	p2 := &ExecutionProcess{ExecutionRunID: &run.ID, RunReason: RunReasonCodingAgent, ExecutorProfile: "claude:plan"}
	require.NoError(t, s.CreateProcess(ctx, p2))

	profile, err := s.LatestExecutorProfile(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, "claude:plan", profile)
}

func TestStore_FindLatestByRunReason(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)

	run := &ExecutionRun{ProjectID: project.ID, Prompt: "p", Executor: "claude", Branch: "run/dddd4444", TargetBranch: "main"}
	require.NoError(t, s.CreateRun(ctx, run))
	subject := RunSubject(run.ID)

	setup := &ExecutionProcess{ExecutionRunID: &run.ID, RunReason: RunReasonSetupScript, ExecutorProfile: "claude"}
	require.NoError(t, s.CreateProcess(ctx, setup))
	agent := &ExecutionProcess{ExecutionRunID: &run.ID, RunReason: RunReasonCodingAgent, ExecutorProfile: "claude"}
	require.NoError(t, s.CreateProcess(ctx, agent))

	got, err := s.FindLatestByRunReason(ctx, subject, RunReasonCodingAgent)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)

	_, err = s.FindLatestByRunReason(ctx, subject, RunReasonCleanupScript)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_HasRunningProcesses(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)
	task := createTestTask(t, s, project.ID, TaskStatusTodo)
	attempt := createTestAttempt(t, s, task.ID)

	running, err := s.HasRunningProcesses(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, running)

	process := &ExecutionProcess{TaskAttemptID: &attempt.ID, RunReason: RunReasonCodingAgent, ExecutorProfile: "claude", Status: ProcessStatusRunning}
	require.NoError(t, s.CreateProcess(ctx, process))

	running, err = s.HasRunningProcesses(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, s.UpdateProcessStatus(ctx, process.ID, ProcessStatusCompleted))

	running, err = s.HasRunningProcesses(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestStore_ProcessLogPayload(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	project := createTestProject(t, s)
	task := createTestTask(t, s, project.ID, TaskStatusTodo)
	attempt := createTestAttempt(t, s, task.ID)

	process := &ExecutionProcess{TaskAttemptID: &attempt.ID, RunReason: RunReasonCodingAgent, ExecutorProfile: "claude"}
	require.NoError(t, s.CreateProcess(ctx, process))

	logs, err := EncodeLogMessages([]LogMessage{
		{Role: "user", Content: "fix the bug"},
		{Role: "assistant", Content: "done, see commit"},
	})
	require.NoError(t, err)
	require.NoError(t, s.SetProcessLogs(ctx, process.ID, logs))

	got, err := s.GetProcess(ctx, process.ID)
	require.NoError(t, err)

	messages, err := got.Messages()
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)

	last, err := got.LastAssistantMessage()
	require.NoError(t, err)
	assert.Equal(t, "done, see commit", last)
}

func TestParseExecutorProfile(t *testing.T) {
	spec := ParseExecutorProfile("claude:plan")
	assert.Equal(t, "claude", spec.Executor)
	assert.Equal(t, "plan", spec.Variant)
	assert.Equal(t, "claude:plan", spec.String())

	spec = ParseExecutorProfile("claude")
	assert.Equal(t, "claude", spec.Executor)
	assert.Empty(t, spec.Variant)
	assert.Equal(t, "claude", spec.String())

	assert.Equal(t, "claude:deep", spec.WithVariant("deep").String())
}
