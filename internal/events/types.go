// Package events provides event types and subjects for the forgeboard event system.
package events

// Event types for tasks
const (
	TaskCreated  = "task.created"
	TaskUpdated  = "task.updated"
	TaskDeleted  = "task.deleted"
	TaskArchived = "task.archived"
)

// Event types for execution
const (
	AttemptStarted   = "attempt.started"
	RunStarted       = "run.started"
	ProcessStarted   = "process.started"
	ProcessCompleted = "process.completed"
	ProcessFailed    = "process.failed"
	ProcessKilled    = "process.killed"
)

// Event types for board streaming
const (
	BoardPatch = "board.patch" // JSON patch operation against the board view
)

// Event types for run log streaming
const (
	RunLogChunk = "run.log.chunk" // Raw log output from an execution run
)

// BuildBoardSubject creates the board patch subject for a project.
func BuildBoardSubject(projectID string) string {
	return "board." + projectID + ".tasks"
}

// BuildBoardWildcardSubject subscribes to board patches for all projects.
func BuildBoardWildcardSubject() string {
	return "board.*.tasks"
}

// BuildRunLogSubject creates the raw log subject for an execution run.
func BuildRunLogSubject(runID string) string {
	return "runs." + runID + ".logs"
}

// BuildRunLogWildcardSubject subscribes to logs for all runs.
func BuildRunLogWildcardSubject() string {
	return "runs.*.logs"
}
