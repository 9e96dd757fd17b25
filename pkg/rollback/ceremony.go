package rollback

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/integrity/pkg/database"
	"github.com/Mindburn-Labs/helm/integrity/pkg/keeper"
)

// CeremonyTypeRollback is the only ceremony type ExecuteRollback accepts.
const CeremonyTypeRollback = "rollback"

// DefaultMinApprovers is the rollback quorum unless configured otherwise.
const DefaultMinApprovers = 2

// Approval is one keeper's signature over the selected target.
type Approval struct {
	KeeperID  string    `json:"keeper_id"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// CeremonyEvidence is the quorum proof for one privileged operation.
type CeremonyEvidence struct {
	CeremonyID   string     `json:"ceremony_id"`
	CeremonyType string     `json:"ceremony_type"`
	Approvals    []Approval `json:"approvals"`
}

// Approvers returns the distinct keeper ids in approval order.
func (e CeremonyEvidence) Approvers() []string {
	seen := make(map[string]bool, len(e.Approvals))
	out := make([]string, 0, len(e.Approvals))
	for _, a := range e.Approvals {
		if a.KeeperID == "" || seen[a.KeeperID] {
			continue
		}
		seen[a.KeeperID] = true
		out = append(out, a.KeeperID)
	}
	return out
}

// ValidateCeremony performs the structural checks in order:
//  1. ceremony id present
//  2. ceremony type matches
//  3. no approval has an empty signature
//  4. distinct approvers meet the quorum
func ValidateCeremony(ev CeremonyEvidence, ceremonyType string, minApprovers int) error {
	if ev.CeremonyID == "" {
		return fmt.Errorf("%w: missing ceremony id", ErrInvalidCeremonyType)
	}
	if ev.CeremonyType != ceremonyType {
		return fmt.Errorf("%w: got %q, want %q", ErrInvalidCeremonyType, ev.CeremonyType, ceremonyType)
	}
	for i, a := range ev.Approvals {
		if a.Signature == "" {
			return fmt.Errorf("%w: approval %d (keeper %q)", ErrEmptyCeremonySignature, i, a.KeeperID)
		}
	}
	if n := len(ev.Approvers()); n < minApprovers {
		return &InsufficientApproversError{Required: minApprovers, Actual: n}
	}
	return nil
}

// VerifyApprovals checks every approval against the key its keeper had active
// at SignedAt.
func VerifyApprovals(ctx context.Context, registry keeper.Registry, ev CeremonyEvidence, msg []byte) error {
	for _, a := range ev.Approvals {
		if _, err := keeper.VerifyKeeperSignature(ctx, registry, a.KeeperID, msg, a.Signature, a.SignedAt); err != nil {
			return fmt.Errorf("%w: %v", ErrCeremonySignature, err)
		}
	}
	return nil
}

// CeremonyLedger remembers consumed ceremony ids so evidence is never reused.
type CeremonyLedger interface {
	Consume(ctx context.Context, ceremonyID, operation string, at time.Time) error
}

type MemoryCeremonyLedger struct {
	mu   sync.Mutex
	used map[string]string
}

func NewMemoryCeremonyLedger() *MemoryCeremonyLedger {
	return &MemoryCeremonyLedger{used: make(map[string]string)}
}

func (m *MemoryCeremonyLedger) Consume(_ context.Context, ceremonyID, operation string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if op, ok := m.used[ceremonyID]; ok {
		return fmt.Errorf("%w: %s (used by %s)", ErrCeremonyReused, ceremonyID, op)
	}
	m.used[ceremonyID] = operation
	return nil
}

// SQLCeremonyLedger relies on the primary key to reject a second consume.
type SQLCeremonyLedger struct {
	db *sql.DB
}

func NewSQLCeremonyLedger(db *sql.DB) *SQLCeremonyLedger {
	return &SQLCeremonyLedger{db: db}
}

func (s *SQLCeremonyLedger) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS rollback_ceremonies (
		ceremony_id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		consumed_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("rollback: init ceremonies schema: %w", err)
	}
	return nil
}

func (s *SQLCeremonyLedger) Consume(ctx context.Context, ceremonyID, operation string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollback_ceremonies (ceremony_id, operation, consumed_at) VALUES ($1, $2, $3)`,
		ceremonyID, operation, formatTime(at))
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrCeremonyReused, ceremonyID)
	}
	if err != nil {
		return fmt.Errorf("rollback: consume ceremony %s: %w", ceremonyID, err)
	}
	return nil
}
