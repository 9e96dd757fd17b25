package halt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLChannel is the durable channel. A staged write is an open transaction,
// so the flag is invisible to readers until Commit.
type SQLChannel struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLChannel(db *sql.DB) *SQLChannel {
	return &SQLChannel{db: db, clock: time.Now}
}

func (s *SQLChannel) Name() string { return "sql" }

// Init creates the flag table if it does not exist.
func (s *SQLChannel) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS halt_flags (
		flag TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("halt: init schema: %w", err)
	}
	return nil
}

const upsertFlag = `
	INSERT INTO halt_flags (flag, value, updated_at) VALUES ($1, $2, $3)
	ON CONFLICT (flag) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`

const insertFlagIfAbsent = `
	INSERT INTO halt_flags (flag, value, updated_at) VALUES ($1, $2, $3)
	ON CONFLICT (flag) DO NOTHING
`

func (s *SQLChannel) Get(ctx context.Context, flag Flag) ([]byte, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM halt_flags WHERE flag = $1", string(flag)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("halt: sql get %s: %w", flag, err)
	}
	return []byte(v), true, nil
}

func (s *SQLChannel) Set(ctx context.Context, flag Flag, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertFlag, string(flag), string(value), s.now()); err != nil {
		return fmt.Errorf("halt: sql set %s: %w", flag, err)
	}
	return nil
}

func (s *SQLChannel) Delete(ctx context.Context, flag Flag) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM halt_flags WHERE flag = $1", string(flag)); err != nil {
		return fmt.Errorf("halt: sql delete %s: %w", flag, err)
	}
	return nil
}

func (s *SQLChannel) Prepare(ctx context.Context, flag Flag, value []byte) (StagedWrite, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("halt: sql stage %s: %w", flag, err)
	}
	if _, err := tx.ExecContext(ctx, upsertFlag, string(flag), string(value), s.now()); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("halt: sql stage %s: %w", flag, err)
	}
	return &sqlStaged{tx: tx}, nil
}

// PrepareCreate stages an insert that leaves an existing row untouched. A
// concurrent writer holding the row blocks until it commits, then this insert
// affects nothing and ErrFlagExists is returned.
func (s *SQLChannel) PrepareCreate(ctx context.Context, flag Flag, value []byte) (StagedWrite, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("halt: sql stage %s: %w", flag, err)
	}
	res, err := tx.ExecContext(ctx, insertFlagIfAbsent, string(flag), string(value), s.now())
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("halt: sql stage %s: %w", flag, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("halt: sql stage %s: %w", flag, err)
	}
	if n == 0 {
		_ = tx.Rollback()
		return nil, fmt.Errorf("%w: %s on sql", ErrFlagExists, flag)
	}
	return &sqlStaged{tx: tx}, nil
}

func (s *SQLChannel) now() string {
	return s.clock().UTC().Format(time.RFC3339Nano)
}

type sqlStaged struct {
	tx *sql.Tx
}

func (s *sqlStaged) Commit() error { return s.tx.Commit() }
func (s *sqlStaged) Abort() error  { return s.tx.Rollback() }
