package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm/integrity/pkg/database"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres (lib/pq) and SQLite (modernc) via standard drivers.
//
// The sequence column is the primary key, so two transactions appending
// against the same predecessor cannot both commit. Orphan flags live in a
// separate insert-only table; event rows are never updated or deleted.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// WithClock overrides the authority clock for testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_events (
	sequence BIGINT PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	prev_hash TEXT NOT NULL UNIQUE,
	content_hash TEXT NOT NULL UNIQUE,
	signature TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	witness_id TEXT NOT NULL,
	witness_signature TEXT NOT NULL,
	local_timestamp TEXT NOT NULL,
	authority_timestamp TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_events_type ON ledger_events (event_type, sequence)`,
	`CREATE TABLE IF NOT EXISTS ledger_orphans (
	sequence BIGINT PRIMARY KEY,
	orphaned_by BIGINT NOT NULL
)`,
}

// Init creates the ledger tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: init schema: %w", err)
		}
	}
	return nil
}

const selectColumns = `
	SELECT e.sequence, e.event_id, e.event_type, e.payload, e.prev_hash, e.content_hash,
	       e.signature, e.agent_id, e.witness_id, e.witness_signature,
	       e.local_timestamp, e.authority_timestamp,
	       CASE WHEN o.sequence IS NULL THEN 0 ELSE 1 END
	FROM ledger_events e
	LEFT JOIN ledger_orphans o ON o.sequence = e.sequence`

func (s *SQLStore) Append(ctx context.Context, d EventDraft) (*Event, error) {
	if len(d.Payload) == 0 {
		d.Payload = json.RawMessage("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	head, err := headTx(ctx, tx)
	if err != nil {
		return nil, err
	}

	hash, err := validateDraft(d, head)
	if err != nil {
		return nil, err
	}
	orphans, hasOrphans, err := orphanRangeOf(d)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		EventID:            d.EventID,
		Sequence:           d.Sequence,
		EventType:          d.EventType,
		Payload:            d.Payload,
		PrevHash:           d.PrevHash,
		ContentHash:        hash,
		Signature:          d.Signature,
		AgentID:            d.AgentID,
		WitnessID:          d.WitnessID,
		WitnessSignature:   d.WitnessSignature,
		LocalTimestamp:     NormalizeTimestamp(d.LocalTimestamp),
		AuthorityTimestamp: NormalizeTimestamp(s.clock()),
	}

	query := `
		INSERT INTO ledger_events (sequence, event_id, event_type, payload, prev_hash, content_hash,
			signature, agent_id, witness_id, witness_signature, local_timestamp, authority_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = tx.ExecContext(ctx, query,
		int64(ev.Sequence), ev.EventID, ev.EventType, string(ev.Payload), ev.PrevHash, ev.ContentHash,
		ev.Signature, ev.AgentID, ev.WitnessID, ev.WitnessSignature,
		formatTime(ev.LocalTimestamp), formatTime(ev.AuthorityTimestamp),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sequence %d", ErrSequenceConflict, ev.Sequence)
		}
		return nil, fmt.Errorf("ledger: insert event %d: %w", ev.Sequence, err)
	}

	if hasOrphans {
		orphanQuery := `
			INSERT INTO ledger_orphans (sequence, orphaned_by)
			SELECT sequence, CAST($1 AS BIGINT) FROM ledger_events
			WHERE sequence >= $2 AND sequence < $3
			  AND sequence NOT IN (SELECT sequence FROM ledger_orphans)
		`
		if _, err := tx.ExecContext(ctx, orphanQuery, int64(ev.Sequence), int64(orphans.Start), int64(orphans.End)); err != nil {
			return nil, fmt.Errorf("ledger: mark orphans [%d, %d): %w", orphans.Start, orphans.End, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sequence %d", ErrSequenceConflict, ev.Sequence)
		}
		return nil, fmt.Errorf("ledger: commit event %d: %w", ev.Sequence, err)
	}
	return ev, nil
}

func headTx(ctx context.Context, tx *sql.Tx) (*Event, error) {
	var seq int64
	var hash string
	err := tx.QueryRowContext(ctx, "SELECT sequence, content_hash FROM ledger_events ORDER BY sequence DESC LIMIT 1").Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read head: %w", err)
	}
	return &Event{Sequence: uint64(seq), ContentHash: hash}, nil
}

func (s *SQLStore) GetLatestEvent(ctx context.Context) (*Event, error) {
	ev, err := s.queryOne(ctx, selectColumns+" ORDER BY e.sequence DESC LIMIT 1")
	if errors.Is(err, ErrEventNotFound) {
		return nil, nil
	}
	return ev, err
}

func (s *SQLStore) GetMaxSequence(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(sequence) FROM ledger_events").Scan(&max); err != nil {
		return 0, fmt.Errorf("ledger: max sequence: %w", err)
	}
	return uint64(max.Int64), nil
}

func (s *SQLStore) GetEventBySequence(ctx context.Context, seq uint64) (*Event, error) {
	return s.queryOne(ctx, selectColumns+" WHERE e.sequence = $1", int64(seq))
}

func (s *SQLStore) GetEventsByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	if limit > 0 {
		return s.queryMany(ctx, selectColumns+" WHERE e.event_type = $1 ORDER BY e.sequence ASC LIMIT $2", eventType, limit)
	}
	return s.queryMany(ctx, selectColumns+" WHERE e.event_type = $1 ORDER BY e.sequence ASC", eventType)
}

func (s *SQLStore) CountEventsByType(ctx context.Context, eventType string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger_events WHERE event_type = $1", eventType).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count %s: %w", eventType, err)
	}
	return n, nil
}

func (s *SQLStore) GetEventsInRange(ctx context.Context, from, to uint64) ([]Event, error) {
	return s.queryMany(ctx, selectColumns+" WHERE e.sequence >= $1 AND e.sequence <= $2 ORDER BY e.sequence ASC", int64(from), int64(to))
}

func (s *SQLStore) GetOrphanedSequences(ctx context.Context) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT sequence FROM ledger_orphans ORDER BY sequence ASC")
	if err != nil {
		return nil, fmt.Errorf("ledger: query orphans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]uint64, 0)
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("ledger: scan orphan: %w", err)
		}
		out = append(out, uint64(seq))
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev               Event
		seq              int64
		payload          string
		local, authority string
		orphaned         int
	)
	err := row.Scan(&seq, &ev.EventID, &ev.EventType, &payload, &ev.PrevHash, &ev.ContentHash,
		&ev.Signature, &ev.AgentID, &ev.WitnessID, &ev.WitnessSignature, &local, &authority, &orphaned)
	if err != nil {
		return nil, err
	}
	ev.Sequence = uint64(seq)
	ev.Payload = json.RawMessage(payload)
	ev.Orphaned = orphaned == 1
	if ev.LocalTimestamp, err = parseTime(local); err != nil {
		return nil, fmt.Errorf("ledger: corrupt local_timestamp at %d: %w", seq, err)
	}
	if ev.AuthorityTimestamp, err = parseTime(authority); err != nil {
		return nil, fmt.Errorf("ledger: corrupt authority_timestamp at %d: %w", seq, err)
	}
	return &ev, nil
}

func (s *SQLStore) queryOne(ctx context.Context, query string, args ...any) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: query event: %w", err)
	}
	return ev, nil
}

func (s *SQLStore) queryMany(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		result = append(result, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

