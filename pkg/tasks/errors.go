package tasks

import (
	"errors"
	"fmt"
)

var (
	ErrConcurrency       = errors.New("tasks: concurrent modification")
	ErrTaskNotFound      = errors.New("tasks: task not found")
	ErrInvalidTransition = errors.New("tasks: transition not permitted")
	ErrUnknownStatus     = errors.New("tasks: unknown status")
	// ErrAuditIncomplete means a sweep resolved tasks whose audit events
	// could not all be written.
	ErrAuditIncomplete = errors.New("tasks: halt transition audit incomplete")
)

// ConcurrencyError reports a compare-and-swap whose expected status no
// longer matched the stored one.
type ConcurrencyError struct {
	TaskID   string
	Expected Status
	Actual   Status
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("tasks: task %s changed concurrently: expected %s, found %s", e.TaskID, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrency }

// InvalidTransitionError reports a transition outside the table.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("tasks: task %s cannot move from %s to %s", e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
