package keeper

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/integrity/pkg/database"
)

// SQLRegistry implements Registry using database/sql (Postgres or SQLite).
// No statement in this file deletes a key row.
type SQLRegistry struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLRegistry(db *sql.DB) *SQLRegistry {
	return &SQLRegistry{db: db, clock: time.Now}
}

// WithClock overrides the clock used for created_at.
func (s *SQLRegistry) WithClock(clock func() time.Time) *SQLRegistry {
	s.clock = clock
	return s
}

var registrySchema = []string{
	`CREATE TABLE IF NOT EXISTS keeper_keys (
	id TEXT PRIMARY KEY,
	keeper_id TEXT NOT NULL,
	key_id TEXT NOT NULL UNIQUE,
	public_key TEXT NOT NULL,
	active_from TEXT NOT NULL,
	active_until TEXT,
	created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_keeper_keys_keeper ON keeper_keys (keeper_id)`,
	`CREATE TABLE IF NOT EXISTS keeper_key_transitions (
	old_key_id TEXT PRIMARY KEY,
	new_key_id TEXT NOT NULL,
	keeper_id TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ends_at TEXT NOT NULL,
	status TEXT NOT NULL,
	completed_at TEXT
)`,
	`CREATE TABLE IF NOT EXISTS keeper_key_revocations (
	id TEXT PRIMARY KEY,
	key_id TEXT NOT NULL,
	keeper_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	revoked_by TEXT NOT NULL,
	revoked_at TEXT NOT NULL
)`,
}

// Init creates the registry tables if they do not exist.
func (s *SQLRegistry) Init(ctx context.Context) error {
	for _, stmt := range registrySchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("keeper: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLRegistry) RegisterKey(ctx context.Context, key KeeperKey) (*KeeperKey, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.ActiveFrom = key.ActiveFrom.UTC()
	if key.ActiveUntil != nil {
		until := key.ActiveUntil.UTC()
		key.ActiveUntil = &until
	}
	key.CreatedAt = s.clock().UTC()

	query := `
		INSERT INTO keeper_keys (id, keeper_id, key_id, public_key, active_from, active_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		key.ID, key.KeeperID, key.KeyID, hex.EncodeToString(key.PublicKey),
		formatTime(key.ActiveFrom), nullableTime(key.ActiveUntil), formatTime(key.CreatedAt),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKeyID, key.KeyID)
		}
		return nil, fmt.Errorf("keeper: register key %s: %w", key.KeyID, err)
	}
	return &key, nil
}

const keyColumns = `SELECT id, keeper_id, key_id, public_key, active_from, active_until, created_at FROM keeper_keys`

func scanKey(row interface{ Scan(...any) error }) (*KeeperKey, error) {
	var (
		k                 KeeperKey
		pub, from, create string
		until             sql.NullString
	)
	if err := row.Scan(&k.ID, &k.KeeperID, &k.KeyID, &pub, &from, &until, &create); err != nil {
		return nil, err
	}
	var err error
	if k.PublicKey, err = hex.DecodeString(pub); err != nil {
		return nil, fmt.Errorf("keeper: corrupt public key for %s: %w", k.KeyID, err)
	}
	if k.ActiveFrom, err = parseTime(from); err != nil {
		return nil, err
	}
	if k.CreatedAt, err = parseTime(create); err != nil {
		return nil, err
	}
	if until.Valid {
		t, err := parseTime(until.String)
		if err != nil {
			return nil, err
		}
		k.ActiveUntil = &t
	}
	return &k, nil
}

func (s *SQLRegistry) GetKey(ctx context.Context, keyID string) (*KeeperKey, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx, keyColumns+" WHERE key_id = $1", keyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("keeper: get key %s: %w", keyID, err)
	}
	return k, nil
}

func (s *SQLRegistry) GetActiveKeyForKeeper(ctx context.Context, keeperID string, at time.Time) (*KeeperKey, error) {
	keys, err := s.GetAllKeysForKeeper(ctx, keeperID)
	if err != nil {
		return nil, err
	}
	if k := newestActive(keys, at); k != nil {
		return k, nil
	}
	return nil, fmt.Errorf("%w: keeper %s at %s", ErrNoActiveKey, keeperID, at.UTC().Format(time.RFC3339))
}

func (s *SQLRegistry) GetAllKeysForKeeper(ctx context.Context, keeperID string) ([]KeeperKey, error) {
	rows, err := s.db.QueryContext(ctx, keyColumns+" WHERE keeper_id = $1", keeperID)
	if err != nil {
		return nil, fmt.Errorf("keeper: list keys for %s: %w", keeperID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]KeeperKey, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("keeper: scan key: %w", err)
		}
		out = append(out, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeeperNotFound, keeperID)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ActiveFrom.Before(out[j].ActiveFrom) })
	return out, nil
}

func (s *SQLRegistry) DeactivateKey(ctx context.Context, keyID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keeper: begin deactivate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullString
	err = tx.QueryRowContext(ctx, "SELECT active_until FROM keeper_keys WHERE key_id = $1", keyID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if err != nil {
		return fmt.Errorf("keeper: read key %s: %w", keyID, err)
	}
	at = at.UTC()
	if current.Valid {
		until, err := parseTime(current.String)
		if err != nil {
			return err
		}
		if !at.Before(until) {
			return fmt.Errorf("%w: %s already bounded at %s", ErrWindowExtension, keyID, current.String)
		}
	}

	res, err := tx.ExecContext(ctx, "UPDATE keeper_keys SET active_until = $1 WHERE key_id = $2", formatTime(at), keyID)
	if err != nil {
		return fmt.Errorf("keeper: deactivate %s: %w", keyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return tx.Commit()
}

func (s *SQLRegistry) ListKeepers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT keeper_id FROM keeper_keys ORDER BY keeper_id")
	if err != nil {
		return nil, fmt.Errorf("keeper: list keepers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLRegistry) SaveTransition(ctx context.Context, t Transition) error {
	query := `
		INSERT INTO keeper_key_transitions (old_key_id, new_key_id, keeper_id, started_at, ends_at, status, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (old_key_id) DO UPDATE SET
			new_key_id = excluded.new_key_id,
			started_at = excluded.started_at,
			ends_at = excluded.ends_at,
			status = excluded.status,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		t.OldKeyID, t.NewKeyID, t.KeeperID, formatTime(t.StartedAt), formatTime(t.EndsAt),
		string(t.Status), nullableTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("keeper: save transition %s: %w", t.OldKeyID, err)
	}
	return nil
}

const transitionColumns = `SELECT old_key_id, new_key_id, keeper_id, started_at, ends_at, status, completed_at FROM keeper_key_transitions`

func scanTransition(row interface{ Scan(...any) error }) (*Transition, error) {
	var (
		t             Transition
		started, ends string
		status        string
		completed     sql.NullString
	)
	if err := row.Scan(&t.OldKeyID, &t.NewKeyID, &t.KeeperID, &started, &ends, &status, &completed); err != nil {
		return nil, err
	}
	t.Status = TransitionStatus(status)
	var err error
	if t.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if t.EndsAt, err = parseTime(ends); err != nil {
		return nil, err
	}
	if completed.Valid {
		c, err := parseTime(completed.String)
		if err != nil {
			return nil, err
		}
		t.CompletedAt = &c
	}
	return &t, nil
}

func (s *SQLRegistry) GetTransition(ctx context.Context, oldKeyID string) (*Transition, error) {
	t, err := scanTransition(s.db.QueryRowContext(ctx, transitionColumns+" WHERE old_key_id = $1", oldKeyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTransitionNotFound, oldKeyID)
	}
	if err != nil {
		return nil, fmt.Errorf("keeper: get transition %s: %w", oldKeyID, err)
	}
	return t, nil
}

func (s *SQLRegistry) ListTransitions(ctx context.Context, status TransitionStatus) ([]Transition, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, transitionColumns)
	} else {
		rows, err = s.db.QueryContext(ctx, transitionColumns+" WHERE status = $1", string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("keeper: list transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]Transition, 0)
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("keeper: scan transition: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *SQLRegistry) RecordRevocation(ctx context.Context, r Revocation) error {
	query := `
		INSERT INTO keeper_key_revocations (id, key_id, keeper_id, reason, revoked_by, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.db.ExecContext(ctx, query, r.ID, r.KeyID, r.KeeperID, r.Reason, r.RevokedBy, formatTime(r.RevokedAt)); err != nil {
		return fmt.Errorf("keeper: record revocation of %s: %w", r.KeyID, err)
	}
	return nil
}

func (s *SQLRegistry) ListRevocations(ctx context.Context, keeperID string) ([]Revocation, error) {
	query := "SELECT id, key_id, keeper_id, reason, revoked_by, revoked_at FROM keeper_key_revocations"
	args := []any{}
	if keeperID != "" {
		query += " WHERE keeper_id = $1"
		args = append(args, keeperID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keeper: list revocations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]Revocation, 0)
	for rows.Next() {
		var r Revocation
		var at string
		if err := rows.Scan(&r.ID, &r.KeyID, &r.KeeperID, &r.Reason, &r.RevokedBy, &at); err != nil {
			return nil, err
		}
		if r.RevokedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RevokedAt.Before(out[j].RevokedAt) })
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("keeper: corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

