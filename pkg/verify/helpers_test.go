package verify

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
	"github.com/Mindburn-Labs/helm/integrity/pkg/witness"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type testLedger struct {
	store  *ledger.MemoryStore
	events []ledger.Event
	keys   StaticKeys
}

// buildLedger appends n events; event i gets authority time t0 + i minutes.
func buildLedger(t *testing.T, n int) testLedger {
	t.Helper()
	author, err := witness.NewEd25519Signer("agent-v")
	require.NoError(t, err)
	wit, err := witness.DeriveWitness([]byte("verify-seed"), "WITNESS:verify")
	require.NoError(t, err)

	tick := 0
	store := ledger.NewMemoryStore().WithClock(func() time.Time {
		tick++
		return t0.Add(time.Duration(tick) * time.Minute)
	})
	app := ledger.NewAppender(store, author, wit).WithClock(func() time.Time { return t0 })

	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := app.Append(ctx, "policy.adopted", map[string]int{"i": i})
		require.NoError(t, err)
	}
	events, err := store.GetEventsInRange(ctx, 1, uint64(n))
	require.NoError(t, err)
	return testLedger{
		store:  store,
		events: events,
		keys: StaticKeys{
			Authors:   map[string]ed25519.PublicKey{author.ID(): author.PublicKey()},
			Witnesses: map[string]ed25519.PublicKey{wit.ID(): wit.PublicKey()},
		},
	}
}

func cloneEvents(evs []ledger.Event) []ledger.Event {
	return append([]ledger.Event(nil), evs...)
}

func without(evs []ledger.Event, seq uint64) []ledger.Event {
	out := make([]ledger.Event, 0, len(evs))
	for _, ev := range evs {
		if ev.Sequence != seq {
			out = append(out, ev)
		}
	}
	return out
}
