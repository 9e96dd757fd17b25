package rollback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AnchorType distinguishes the genesis anchor from periodic checkpoints.
type AnchorType string

const (
	AnchorGenesis  AnchorType = "genesis"
	AnchorPeriodic AnchorType = "periodic"
)

// Checkpoint is a trusted anchor sequence usable as a rollback target.
type Checkpoint struct {
	CheckpointID  string     `json:"checkpoint_id"`
	EventSequence uint64     `json:"event_sequence"`
	Timestamp     time.Time  `json:"timestamp"`
	AnchorHash    string     `json:"anchor_hash"`
	AnchorType    AnchorType `json:"anchor_type"`
	CreatorID     string     `json:"creator_id"`
}

// CheckpointRepository is read-only to the coordinator. Checkpoints are
// created by an external collaborator through Create.
type CheckpointRepository interface {
	Get(ctx context.Context, checkpointID string) (*Checkpoint, error)
	// List returns all checkpoints ordered by event sequence.
	List(ctx context.Context) ([]Checkpoint, error)
	// ListBefore returns checkpoints with event_sequence <= seq.
	ListBefore(ctx context.Context, seq uint64) ([]Checkpoint, error)
	// Latest returns the checkpoint with the highest sequence, or nil.
	Latest(ctx context.Context) (*Checkpoint, error)
	Create(ctx context.Context, cp Checkpoint) error
}

var ErrCheckpointExists = errors.New("rollback: checkpoint already exists")

// MemoryCheckpoints is an in-process CheckpointRepository.
type MemoryCheckpoints struct {
	mu  sync.RWMutex
	cps map[string]Checkpoint
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{cps: make(map[string]Checkpoint)}
}

func (m *MemoryCheckpoints) Create(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cps[cp.CheckpointID]; ok {
		return fmt.Errorf("%w: %s", ErrCheckpointExists, cp.CheckpointID)
	}
	m.cps[cp.CheckpointID] = cp
	return nil
}

func (m *MemoryCheckpoints) Get(_ context.Context, id string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.cps[id]
	if !ok {
		return nil, &CheckpointNotFoundError{CheckpointID: id}
	}
	return &cp, nil
}

func (m *MemoryCheckpoints) List(ctx context.Context) ([]Checkpoint, error) {
	return m.ListBefore(ctx, ^uint64(0))
}

func (m *MemoryCheckpoints) ListBefore(_ context.Context, seq uint64) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Checkpoint, 0, len(m.cps))
	for _, cp := range m.cps {
		if cp.EventSequence <= seq {
			out = append(out, cp)
		}
	}
	sortCheckpoints(out)
	return out, nil
}

func (m *MemoryCheckpoints) Latest(ctx context.Context) (*Checkpoint, error) {
	all, err := m.List(ctx)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[len(all)-1], nil
}

func sortCheckpoints(cps []Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		if cps[i].EventSequence != cps[j].EventSequence {
			return cps[i].EventSequence < cps[j].EventSequence
		}
		return cps[i].CheckpointID < cps[j].CheckpointID
	})
}

// SQLCheckpoints implements CheckpointRepository using database/sql.
type SQLCheckpoints struct {
	db *sql.DB
}

func NewSQLCheckpoints(db *sql.DB) *SQLCheckpoints {
	return &SQLCheckpoints{db: db}
}

// Init creates the checkpoints table if it does not exist.
func (s *SQLCheckpoints) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		event_sequence BIGINT NOT NULL,
		timestamp TEXT NOT NULL,
		anchor_hash TEXT NOT NULL,
		anchor_type TEXT NOT NULL,
		creator_id TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("rollback: init checkpoints schema: %w", err)
	}
	return nil
}

func (s *SQLCheckpoints) Create(ctx context.Context, cp Checkpoint) error {
	query := `
		INSERT INTO ledger_checkpoints (checkpoint_id, event_sequence, timestamp, anchor_hash, anchor_type, creator_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		cp.CheckpointID, int64(cp.EventSequence), formatTime(cp.Timestamp), cp.AnchorHash, string(cp.AnchorType), cp.CreatorID)
	if err != nil {
		return fmt.Errorf("rollback: create checkpoint %s: %w", cp.CheckpointID, err)
	}
	return nil
}

const checkpointColumns = `SELECT checkpoint_id, event_sequence, timestamp, anchor_hash, anchor_type, creator_id FROM ledger_checkpoints`

func scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var (
		cp         Checkpoint
		seq        int64
		ts, anchor string
	)
	if err := row.Scan(&cp.CheckpointID, &seq, &ts, &cp.AnchorHash, &anchor, &cp.CreatorID); err != nil {
		return nil, err
	}
	cp.EventSequence = uint64(seq)
	cp.AnchorType = AnchorType(anchor)
	t, err := parseTime(ts)
	if err != nil {
		return nil, err
	}
	cp.Timestamp = t
	return &cp, nil
}

func (s *SQLCheckpoints) Get(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, checkpointColumns+" WHERE checkpoint_id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &CheckpointNotFoundError{CheckpointID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("rollback: get checkpoint %s: %w", id, err)
	}
	return cp, nil
}

func (s *SQLCheckpoints) List(ctx context.Context) ([]Checkpoint, error) {
	return s.query(ctx, checkpointColumns+" ORDER BY event_sequence, checkpoint_id")
}

func (s *SQLCheckpoints) ListBefore(ctx context.Context, seq uint64) ([]Checkpoint, error) {
	return s.query(ctx, checkpointColumns+" WHERE event_sequence <= $1 ORDER BY event_sequence, checkpoint_id", int64(seq))
}

func (s *SQLCheckpoints) Latest(ctx context.Context) (*Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, checkpointColumns+" ORDER BY event_sequence DESC, checkpoint_id DESC LIMIT 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rollback: latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *SQLCheckpoints) query(ctx context.Context, query string, args ...any) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rollback: list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]Checkpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("rollback: scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("rollback: corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}
