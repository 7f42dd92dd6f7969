package store

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrContainerRefTaken is returned when a container reference is already
	// bound to another run or attempt.
	ErrContainerRefTaken = errors.New("container reference already in use")

	// ErrProcessTerminal is returned when updating a process that has already
	// reached a terminal status.
	ErrProcessTerminal = errors.New("process is in a terminal status")
)
