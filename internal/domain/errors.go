package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrRaceLost    = errors.New("task already dispatched")
	ErrNotTerminal = errors.New("task is not in a terminal state")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExecutionError is an executor failure for one attempt.
type ExecutionError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// EnqueueError means a due task could not be pushed to the dispatch queue.
type EnqueueError struct {
	TaskID string
	Err    error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue task %s: %v", e.TaskID, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
