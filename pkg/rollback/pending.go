package rollback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// PendingStore holds the selected target between the two rollback phases.
// At most one selection exists at a time; Save replaces it.
type PendingStore interface {
	Save(ctx context.Context, p RollbackTargetSelectedPayload) error
	// Get returns nil, nil when nothing is selected.
	Get(ctx context.Context) (*RollbackTargetSelectedPayload, error)
	Clear(ctx context.Context) error
}

type MemoryPending struct {
	mu      sync.Mutex
	current *RollbackTargetSelectedPayload
}

func NewMemoryPending() *MemoryPending { return &MemoryPending{} }

func (m *MemoryPending) Save(_ context.Context, p RollbackTargetSelectedPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.SelectingKeepers = append([]string(nil), p.SelectingKeepers...)
	m.current = &p
	return nil
}

func (m *MemoryPending) Get(_ context.Context) (*RollbackTargetSelectedPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, nil
	}
	cp := *m.current
	return &cp, nil
}

func (m *MemoryPending) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	return nil
}

// SQLPending keeps the selection in a single-row table so a different
// process can execute what another one selected.
type SQLPending struct {
	db *sql.DB
}

func NewSQLPending(db *sql.DB) *SQLPending {
	return &SQLPending{db: db}
}

const pendingSlot = "current"

func (s *SQLPending) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS rollback_pending (
		slot TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("rollback: init pending schema: %w", err)
	}
	return nil
}

func (s *SQLPending) Save(ctx context.Context, p RollbackTargetSelectedPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("rollback: marshal pending selection: %w", err)
	}
	query := `
		INSERT INTO rollback_pending (slot, payload) VALUES ($1, $2)
		ON CONFLICT (slot) DO UPDATE SET payload = excluded.payload
	`
	if _, err := s.db.ExecContext(ctx, query, pendingSlot, string(b)); err != nil {
		return fmt.Errorf("rollback: save pending selection: %w", err)
	}
	return nil
}

func (s *SQLPending) Get(ctx context.Context) (*RollbackTargetSelectedPayload, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM rollback_pending WHERE slot = $1`, pendingSlot).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rollback: load pending selection: %w", err)
	}
	var p RollbackTargetSelectedPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("rollback: decode pending selection: %w", err)
	}
	return &p, nil
}

func (s *SQLPending) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rollback_pending WHERE slot = $1`, pendingSlot); err != nil {
		return fmt.Errorf("rollback: clear pending selection: %w", err)
	}
	return nil
}
