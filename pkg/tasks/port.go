package tasks

import "context"

// Task is the view of a task the halt sweep needs.
type Task struct {
	ID     string `json:"task_id"`
	Status Status `json:"status"`
}

// StatePort is the task lifecycle store boundary.
type StatePort interface {
	// GetActiveTasks returns every task not already nullified or quarantined.
	GetActiveTasks(ctx context.Context) ([]Task, error)
	// AtomicTransition moves taskID from -> to, failing with a
	// *ConcurrencyError when the stored status is not from.
	AtomicTransition(ctx context.Context, taskID string, from, to Status) error
}
