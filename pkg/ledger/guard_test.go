package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTestHalted = errors.New("halted")
	errTestCeased = errors.New("ceased")
)

type stubGate struct {
	allowed map[string]bool
	calls   int
}

func (g *stubGate) IsConstitutional(_ context.Context, eventType string) (bool, error) {
	g.calls++
	return g.allowed[eventType], nil
}

type stubGuard struct {
	halted, ceased bool
}

func (g *stubGuard) EnsureNotFrozen(context.Context) error {
	if g.ceased {
		return errTestCeased
	}
	return nil
}

func (g *stubGuard) EnsureNotHalted(context.Context) error {
	if g.halted {
		return errTestHalted
	}
	return nil
}

func TestHaltPermitted(t *testing.T) {
	permitted := []string{
		EventTypeHaltTriggered, EventTypeHaltCleared, EventTypeCessationExecuted,
		EventTypeRollbackTargetSelected, EventTypeRollbackCompleted, EventTypeKeyEmergencyRevoked,
		"task.nullified_on_halt", "task.quarantined_on_halt", "task.preserved_on_halt",
		"task.halt_sweep_completed",
	}
	for _, et := range permitted {
		assert.True(t, HaltPermitted(et), et)
		assert.True(t, SystemEventType(et), et)
	}
	for _, et := range []string{"policy.adopted", "task.created", "task.on_halt_extra", "halting.other"} {
		assert.False(t, HaltPermitted(et), et)
		assert.False(t, SystemEventType(et), et)
	}
}

func TestGuardedStore_Order(t *testing.T) {
	ctx := context.Background()
	s := newTestSigners(t)
	gate := &stubGate{allowed: map[string]bool{"policy.adopted": true, EventTypeHaltTriggered: true}}
	guard := &stubGuard{}
	inner := NewMemoryStore()
	store := NewGuardedStore(inner, gate, guard)

	t.Run("operational type rejected before anything else", func(t *testing.T) {
		guard.ceased = true
		_, err := store.Append(ctx, s.signedDraft(t, 1, GenesisHash, "metrics.sampled", nil))
		assert.ErrorIs(t, err, ErrEventTypeRejected)
		guard.ceased = false
	})

	t.Run("halt blocks ordinary writes", func(t *testing.T) {
		guard.halted = true
		_, err := store.Append(ctx, s.signedDraft(t, 1, GenesisHash, "policy.adopted", nil))
		assert.ErrorIs(t, err, errTestHalted)
	})

	t.Run("halt admits system events", func(t *testing.T) {
		ev, err := store.Append(ctx, s.signedDraft(t, 1, GenesisHash, EventTypeHaltTriggered, nil))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), ev.Sequence)
		guard.halted = false
	})

	t.Run("cessation rejects even system events", func(t *testing.T) {
		guard.ceased = true
		head, err := store.GetLatestEvent(ctx)
		require.NoError(t, err)
		_, err = store.Append(ctx, s.signedDraft(t, 2, head.ContentHash, EventTypeHaltTriggered, nil))
		assert.ErrorIs(t, err, errTestCeased)
	})

	max, err := inner.GetMaxSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), max)
}
