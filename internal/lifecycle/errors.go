// Package lifecycle orchestrates the execution lifecycle of tasks, attempts,
// and detached runs: creation, follow-up turns, stop, archive, and delete,
// including the worktree reclaim that follows archive and delete.
package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrRunningProcesses is returned when a delete is requested for a task
	// that still has pending or running processes.
	ErrRunningProcesses = errors.New("task has running processes")

	// ErrValidation is the sentinel behind ValidationError.
	ErrValidation = errors.New("validation failed")
)

// ValidationError names the request field that failed validation.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
