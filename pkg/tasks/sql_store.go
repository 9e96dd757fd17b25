package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements StatePort using database/sql. Transitions are a single
// conditional UPDATE, so the compare-and-swap is atomic in the database.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// Init creates the tasks table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("tasks: init schema: %w", err)
	}
	return nil
}

// Put creates or overwrites a task, bypassing the transition table.
func (s *SQLStore) Put(ctx context.Context, id string, status Status) error {
	query := `
		INSERT INTO tasks (id, status, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, id, string(status), s.now()); err != nil {
		return fmt.Errorf("tasks: put %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = $1", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("tasks: get %s: %w", id, err)
	}
	return Status(status), nil
}

func (s *SQLStore) GetActiveTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, status FROM tasks WHERE status NOT IN ($1, $2) ORDER BY id",
		string(StatusNullified), string(StatusQuarantined))
	if err != nil {
		return nil, fmt.Errorf("tasks: list active: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Task, 0)
	for rows.Next() {
		var t Task
		var status string
		if err := rows.Scan(&t.ID, &status); err != nil {
			return nil, fmt.Errorf("tasks: scan: %w", err)
		}
		t.Status = Status(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) AtomicTransition(ctx context.Context, taskID string, from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{TaskID: taskID, From: from, To: to}
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		string(to), s.now(), taskID, string(from))
	if err != nil {
		return fmt.Errorf("tasks: transition %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tasks: transition %s: %w", taskID, err)
	}
	if n == 1 {
		return nil
	}

	actual, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return &ConcurrencyError{TaskID: taskID, Expected: from, Actual: actual}
}

func (s *SQLStore) now() string {
	return s.clock().UTC().Format(time.RFC3339Nano)
}
