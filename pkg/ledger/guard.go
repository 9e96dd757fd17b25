package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Gate is the external classification policy. Only constitutional event
// types may enter the ledger; operational ones are rejected.
type Gate interface {
	IsConstitutional(ctx context.Context, eventType string) (bool, error)
}

// WriteGuard is the write-side view of the halt/cessation controller.
type WriteGuard interface {
	// EnsureNotFrozen fails permanently once the system has ceased.
	EnsureNotFrozen(ctx context.Context) error
	// EnsureNotHalted fails while a halt is in effect.
	EnsureNotHalted(ctx context.Context) error
}

// haltPermittedPrefixes are the system event families that must still be
// recorded while halted, otherwise a halt could never be audited or lifted.
var haltPermittedPrefixes = []string{"halt.", "rollback.", "cessation.", "keeper."}

// HaltPermitted reports whether eventType may be appended during a halt.
// These are also the reserved types: see SystemEventType.
func HaltPermitted(eventType string) bool {
	for _, p := range haltPermittedPrefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	if strings.HasPrefix(eventType, "task.") {
		return strings.HasSuffix(eventType, "_on_halt") || eventType == "task.halt_sweep_completed"
	}
	return false
}

// SystemEventType reports whether eventType belongs to a family that only the
// integrity core itself may write. rollback.completed orphans history and
// halt.cleared, cessation.executed and keeper.* attest privileged actions, so
// none of them may arrive through an external append.
func SystemEventType(eventType string) bool {
	return HaltPermitted(eventType)
}

// GuardedStore wraps a Store so every append passes the classification gate,
// the freeze check and the halt check, in that order. Reads pass through.
type GuardedStore struct {
	Store
	gate   Gate
	guard  WriteGuard
	logger *slog.Logger
}

// NewGuardedStore wraps inner. A nil gate admits every event type.
func NewGuardedStore(inner Store, gate Gate, guard WriteGuard) *GuardedStore {
	return &GuardedStore{
		Store:  inner,
		gate:   gate,
		guard:  guard,
		logger: slog.Default().With("component", "ledger_guard"),
	}
}

func (g *GuardedStore) Append(ctx context.Context, d EventDraft) (*Event, error) {
	if g.gate != nil {
		ok, err := g.gate.IsConstitutional(ctx, d.EventType)
		if err != nil {
			return nil, fmt.Errorf("ledger: classify %s: %w", d.EventType, err)
		}
		if !ok {
			g.logger.WarnContext(ctx, "operational event rejected", "event_type", d.EventType)
			return nil, fmt.Errorf("%w: %s", ErrEventTypeRejected, d.EventType)
		}
	}

	if g.guard != nil {
		if err := g.guard.EnsureNotFrozen(ctx); err != nil {
			return nil, err
		}
		if !HaltPermitted(d.EventType) {
			if err := g.guard.EnsureNotHalted(ctx); err != nil {
				return nil, err
			}
		}
	}

	return g.Store.Append(ctx, d)
}
