package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm/integrity/pkg/witness"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testSigners struct {
	author  *witness.Ed25519Signer
	witness *witness.Ed25519Signer
}

func newTestSigners(t *testing.T) testSigners {
	t.Helper()
	author, err := witness.NewEd25519Signer("agent-1")
	require.NoError(t, err)
	wit, err := witness.DeriveWitness([]byte("test-seed"), "WITNESS:ledger-test")
	require.NoError(t, err)
	return testSigners{author: author, witness: wit}
}

// signedDraft builds a valid draft for seq on top of prev.
func (s testSigners) signedDraft(t *testing.T, seq uint64, prev, eventType string, payload any) EventDraft {
	t.Helper()
	raw, err := MarshalPayload(payload)
	require.NoError(t, err)
	local := testEpoch.Add(time.Duration(seq) * time.Second)
	hash, err := ComputeContentHash(seq, eventType, raw, prev, s.author.ID(), local)
	require.NoError(t, err)
	sig, err := s.author.Sign([]byte(hash))
	require.NoError(t, err)
	wsig, err := s.witness.Sign(witness.AttestationMessage(hash, sig))
	require.NoError(t, err)
	return EventDraft{
		EventID:          fmt.Sprintf("evt-%d-%s", seq, eventType),
		Sequence:         seq,
		EventType:        eventType,
		Payload:          raw,
		PrevHash:         prev,
		ContentHash:      hash,
		Signature:        sig,
		AgentID:          s.author.ID(),
		WitnessID:        s.witness.ID(),
		WitnessSignature: wsig,
		LocalTimestamp:   local,
	}
}

// appendN appends n valid events of eventType and returns the head.
func (s testSigners) appendN(t *testing.T, store Store, n int, eventType string) *Event {
	t.Helper()
	ctx := context.Background()
	head, err := store.GetLatestEvent(ctx)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		seq, prev := uint64(1), GenesisHash
		if head != nil {
			seq, prev = head.Sequence+1, head.ContentHash
		}
		head, err = store.Append(ctx, s.signedDraft(t, seq, prev, eventType, map[string]any{"n": seq}))
		require.NoError(t, err)
	}
	return head
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStore(db).WithClock(func() time.Time { return testEpoch })
	require.NoError(t, store.Init(context.Background()))
	return store
}

// storeFactories runs the contract tests against every implementation.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store {
		return NewMemoryStore().WithClock(func() time.Time { return testEpoch })
	},
	"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
}
