package rollback

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm/integrity/pkg/keeper"
	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
	"github.com/Mindburn-Labs/helm/integrity/pkg/witness"
)

var testNow = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type haltFlag struct{ halted bool }

func (h *haltFlag) IsHalted(context.Context) (bool, error) { return h.halted, nil }

type fixture struct {
	store       ledger.Store
	appender    *ledger.Appender
	halt        *haltFlag
	checkpoints CheckpointRepository
	pending     PendingStore
	ceremonies  CeremonyLedger
	coord       *Coordinator
}

func newAppender(t *testing.T, store ledger.Store) *ledger.Appender {
	t.Helper()
	author, err := witness.NewEd25519Signer("integrity-core")
	require.NoError(t, err)
	wit, err := witness.DeriveWitness([]byte("seed"), "WITNESS:rollback-test")
	require.NoError(t, err)
	return ledger.NewAppender(store, author, wit).WithClock(func() time.Time { return testNow })
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	f := &fixture{
		store:       store,
		appender:    newAppender(t, store),
		halt:        &haltFlag{},
		checkpoints: NewMemoryCheckpoints(),
		pending:     NewMemoryPending(),
		ceremonies:  NewMemoryCeremonyLedger(),
	}
	f.coord = f.newCoordinator()
	return f
}

func (f *fixture) newCoordinator() *Coordinator {
	return NewCoordinator(f.halt, f.checkpoints, f.pending, f.ceremonies, f.store, f.appender).
		WithClock(func() time.Time { return testNow })
}

// seed appends n events and creates a checkpoint anchored at atSeq.
func (f *fixture) seed(t *testing.T, n int, atSeq uint64) Checkpoint {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := f.appender.Append(ctx, "policy.adopted", map[string]int{"i": i})
		require.NoError(t, err)
	}
	anchor, err := f.store.GetEventBySequence(ctx, atSeq)
	require.NoError(t, err)
	cp := Checkpoint{
		CheckpointID:  "cp-500",
		EventSequence: atSeq,
		Timestamp:     testNow,
		AnchorHash:    anchor.ContentHash,
		AnchorType:    AnchorPeriodic,
		CreatorID:     "checkpointer",
	}
	require.NoError(t, f.checkpoints.Create(ctx, cp))
	return cp
}

func evidence(id string, keepers ...string) CeremonyEvidence {
	ev := CeremonyEvidence{CeremonyID: id, CeremonyType: CeremonyTypeRollback}
	for _, k := range keepers {
		ev.Approvals = append(ev.Approvals, Approval{KeeperID: k, Signature: "sig-" + k, SignedAt: testNow})
	}
	return ev
}

func TestSelect_RequiresHalt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 500, 500)

	_, err := f.coord.SelectRollbackTarget(ctx, "cp-500", []string{"keeper-a"}, "fork detected")
	var notPermitted *RollbackNotPermittedError
	require.ErrorAs(t, err, &notPermitted)
	assert.Equal(t, "select", notPermitted.Phase)

	head, err := f.store.GetMaxSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), head, "nothing written on rejection")
	status, err := f.coord.GetRollbackStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.TargetSelected)

	f.halt.halted = true
	payload, err := f.coord.SelectRollbackTarget(ctx, "cp-500", []string{"keeper-a"}, "fork detected")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), payload.TargetEventSequence)
	assert.Equal(t, uint64(500), payload.CurrentHeadSequence)
	assert.Equal(t, testNow, payload.SelectedAt)

	latest, err := f.store.GetLatestEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.EventTypeRollbackTargetSelected, latest.EventType)
	var recorded RollbackTargetSelectedPayload
	require.NoError(t, latest.DecodePayload(&recorded))
	assert.Equal(t, payload.RollbackID, recorded.RollbackID)

	status, err = f.coord.GetRollbackStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.TargetSelected)
	assert.Equal(t, "cp-500", status.Selection.CheckpointID)
}

func TestSelect_PreconditionErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 10, 5)
	f.halt.halted = true

	_, err := f.coord.SelectRollbackTarget(ctx, "missing", nil, "")
	var notFound *CheckpointNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.CheckpointID)

	require.NoError(t, f.checkpoints.Create(ctx, Checkpoint{CheckpointID: "future", EventSequence: 99, AnchorType: AnchorPeriodic}))
	_, err = f.coord.SelectRollbackTarget(ctx, "future", nil, "")
	assert.ErrorIs(t, err, ErrInvalidRollbackTarget)

	require.NoError(t, f.checkpoints.Create(ctx, Checkpoint{CheckpointID: "forged", EventSequence: 3, AnchorHash: ledger.GenesisHash, AnchorType: AnchorPeriodic}))
	_, err = f.coord.SelectRollbackTarget(ctx, "forged", nil, "")
	assert.ErrorIs(t, err, ErrInvalidRollbackTarget)

	head, err := f.store.GetMaxSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), head)
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, string, any) (*ledger.Event, error) {
	return nil, errors.New("ledger offline")
}

func TestSelect_AppendFailureLeavesNoSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 5, 5)
	f.halt.halted = true

	coord := NewCoordinator(f.halt, f.checkpoints, f.pending, f.ceremonies, f.store, failingAppender{})
	_, err := coord.SelectRollbackTarget(ctx, "cp-500", nil, "")
	require.Error(t, err)

	sel, err := f.pending.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, sel)
}

func TestExecute_OrphansEventsAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 520, 500)
	f.halt.halted = true

	_, err := f.coord.SelectRollbackTarget(ctx, "cp-500", []string{"keeper-a"}, "fork detected")
	require.NoError(t, err)

	done, err := f.coord.ExecuteRollback(ctx, evidence("cer-1", "keeper-a", "keeper-b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(501), done.OrphanedStartSequence)
	assert.Equal(t, uint64(521), done.OrphanedEndSequence)
	assert.Equal(t, uint64(20), done.OrphanedCount())
	assert.Equal(t, []string{"keeper-a", "keeper-b"}, done.ApprovingKeepers)

	orphans, err := f.store.GetOrphanedSequences(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 20)
	assert.Equal(t, uint64(501), orphans[0])
	assert.Equal(t, uint64(520), orphans[19])

	sel, err := f.store.GetEventBySequence(ctx, 521)
	require.NoError(t, err)
	assert.Equal(t, ledger.EventTypeRollbackTargetSelected, sel.EventType)
	assert.False(t, sel.Orphaned)

	cp, err := f.store.GetEventBySequence(ctx, 500)
	require.NoError(t, err)
	assert.False(t, cp.Orphaned)

	status, err := f.coord.GetRollbackStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.TargetSelected)
}

func TestExecute_PreconditionsWriteNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 10, 5)
	f.halt.halted = true

	_, err := f.coord.ExecuteRollback(ctx, evidence("cer-1", "keeper-a", "keeper-b"))
	assert.ErrorIs(t, err, ErrInvalidRollbackTarget)

	_, err = f.coord.SelectRollbackTarget(ctx, "cp-500", nil, "")
	require.NoError(t, err)
	head, err := f.store.GetMaxSequence(ctx)
	require.NoError(t, err)

	_, err = f.coord.ExecuteRollback(ctx, evidence("cer-1", "keeper-a", "keeper-a"))
	var quorum *InsufficientApproversError
	require.ErrorAs(t, err, &quorum)
	assert.Equal(t, 2, quorum.Required)
	assert.Equal(t, 1, quorum.Actual)

	f.halt.halted = false
	_, err = f.coord.ExecuteRollback(ctx, evidence("cer-1", "keeper-a", "keeper-b"))
	assert.ErrorIs(t, err, ErrRollbackNotPermitted)

	after, err := f.store.GetMaxSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, after)
	status, err := f.coord.GetRollbackStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.TargetSelected, "selection survives a rejected execution")
}

func TestExecute_RejectsSelectionFromEarlierHalt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 9, 5)
	f.halt.halted = true

	_, err := f.coord.SelectRollbackTarget(ctx, "cp-500", []string{"keeper-a"}, "fork")
	require.NoError(t, err)

	// The halt is lifted by another process, ordinary writes resume, and a
	// new halt starts.
	f.halt.halted = false
	for i := 0; i < 4; i++ {
		_, err := f.appender.Append(ctx, "policy.adopted", map[string]int{"late": i})
		require.NoError(t, err)
	}
	f.halt.halted = true
	head, err := f.store.GetMaxSequence(ctx)
	require.NoError(t, err)

	_, err = f.coord.ExecuteRollback(ctx, evidence("cer-stale", "keeper-a", "keeper-b"))
	var invalid *InvalidRollbackTargetError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "stale")

	after, err := f.store.GetMaxSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, after)
	orphans, err := f.store.GetOrphanedSequences(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestCancelSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 9, 5)
	f.halt.halted = true

	require.NoError(t, f.coord.CancelSelection(ctx, "nothing selected"))
	_, err := f.coord.SelectRollbackTarget(ctx, "cp-500", nil, "fork")
	require.NoError(t, err)
	require.NoError(t, f.coord.CancelSelection(ctx, "halt cleared"))

	status, err := f.coord.GetRollbackStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.TargetSelected)
	_, err = f.coord.ExecuteRollback(ctx, evidence("cer-1", "keeper-a", "keeper-b"))
	assert.ErrorIs(t, err, ErrInvalidRollbackTarget)
}

func TestExecute_CeremonyCannotBeReused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 10, 5)
	f.halt.halted = true

	_, err := f.coord.SelectRollbackTarget(ctx, "cp-500", nil, "")
	require.NoError(t, err)
	_, err = f.coord.ExecuteRollback(ctx, evidence("cer-1", "keeper-a", "keeper-b"))
	require.NoError(t, err)

	_, err = f.coord.SelectRollbackTarget(ctx, "cp-500", nil, "again")
	require.NoError(t, err)
	_, err = f.coord.ExecuteRollback(ctx, evidence("cer-1", "keeper-a", "keeper-b"))
	assert.ErrorIs(t, err, ErrCeremonyReused)
}

func TestExecute_VerifiesKeeperSignatures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 10, 5)
	f.halt.halted = true

	reg := keeper.NewMemoryRegistry()
	signers := map[string]*witness.Ed25519Signer{}
	for _, id := range []string{"keeper-a", "keeper-b"} {
		s, err := witness.NewEd25519Signer(id)
		require.NoError(t, err)
		signers[id] = s
		_, err = reg.RegisterKey(ctx, keeper.KeeperKey{
			KeeperID:   id,
			KeyID:      id + "-k1",
			PublicKey:  s.PublicKey(),
			ActiveFrom: testNow.Add(-time.Hour),
		})
		require.NoError(t, err)
	}
	coord := f.newCoordinator().WithKeyVerification(reg)

	sel, err := coord.SelectRollbackTarget(ctx, "cp-500", []string{"keeper-a"}, "fork")
	require.NoError(t, err)
	msg, err := sel.SignableContent()
	require.NoError(t, err)

	ev := CeremonyEvidence{CeremonyID: "cer-signed", CeremonyType: CeremonyTypeRollback}
	for _, id := range []string{"keeper-a", "keeper-b"} {
		sig, err := signers[id].Sign(msg)
		require.NoError(t, err)
		ev.Approvals = append(ev.Approvals, Approval{KeeperID: id, Signature: sig, SignedAt: testNow})
	}

	forged := ev
	forged.CeremonyID = "cer-forged"
	forged.Approvals = append([]Approval{}, ev.Approvals...)
	forged.Approvals[1].Signature = ev.Approvals[0].Signature
	_, err = coord.ExecuteRollback(ctx, forged)
	assert.ErrorIs(t, err, ErrCeremonySignature)

	_, err = coord.ExecuteRollback(ctx, ev)
	require.NoError(t, err)
}

func TestExecute_AcceptsOutgoingKeyDuringRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, 10, 5)
	f.halt.halted = true

	reg := keeper.NewMemoryRegistry()
	outgoing, err := witness.NewEd25519Signer("keeper-a")
	require.NoError(t, err)
	incoming, err := witness.NewEd25519Signer("keeper-a")
	require.NoError(t, err)
	other, err := witness.NewEd25519Signer("keeper-b")
	require.NoError(t, err)

	overlapEnd := testNow.Add(24 * time.Hour)
	for _, k := range []keeper.KeeperKey{
		{KeeperID: "keeper-a", KeyID: "a-old", PublicKey: outgoing.PublicKey(), ActiveFrom: testNow.Add(-48 * time.Hour), ActiveUntil: &overlapEnd},
		{KeeperID: "keeper-a", KeyID: "a-new", PublicKey: incoming.PublicKey(), ActiveFrom: testNow.Add(-time.Hour)},
		{KeeperID: "keeper-b", KeyID: "b-1", PublicKey: other.PublicKey(), ActiveFrom: testNow.Add(-48 * time.Hour)},
	} {
		_, err := reg.RegisterKey(ctx, k)
		require.NoError(t, err)
	}
	coord := f.newCoordinator().WithKeyVerification(reg)

	sel, err := coord.SelectRollbackTarget(ctx, "cp-500", []string{"keeper-a"}, "fork")
	require.NoError(t, err)
	msg, err := sel.SignableContent()
	require.NoError(t, err)

	ev := CeremonyEvidence{CeremonyID: "cer-overlap", CeremonyType: CeremonyTypeRollback}
	for id, s := range map[string]*witness.Ed25519Signer{"keeper-a": outgoing, "keeper-b": other} {
		sig, err := s.Sign(msg)
		require.NoError(t, err)
		ev.Approvals = append(ev.Approvals, Approval{KeeperID: id, Signature: sig, SignedAt: testNow})
	}
	_, err = coord.ExecuteRollback(ctx, ev)
	require.NoError(t, err)
}

func TestExecute_SurvivesRestartWithSQLState(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := ledger.NewSQLStore(db).WithClock(func() time.Time { return testNow })
	checkpoints := NewSQLCheckpoints(db)
	pending := NewSQLPending(db)
	ceremonies := NewSQLCeremonyLedger(db)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, checkpoints.Init(ctx))
	require.NoError(t, pending.Init(ctx))
	require.NoError(t, ceremonies.Init(ctx))

	app := newAppender(t, store)
	for i := 0; i < 8; i++ {
		_, err := app.Append(ctx, "policy.adopted", map[string]int{"i": i})
		require.NoError(t, err)
	}
	anchor, err := store.GetEventBySequence(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, checkpoints.Create(ctx, Checkpoint{
		CheckpointID: "cp-4", EventSequence: 4, Timestamp: testNow,
		AnchorHash: anchor.ContentHash, AnchorType: AnchorPeriodic, CreatorID: "checkpointer",
	}))

	halt := &haltFlag{halted: true}
	first := NewCoordinator(halt, checkpoints, pending, ceremonies, store, app)
	sel, err := first.SelectRollbackTarget(ctx, "cp-4", []string{"keeper-a"}, "restart test")
	require.NoError(t, err)

	// A fresh coordinator sees only what was persisted.
	second := NewCoordinator(halt, NewSQLCheckpoints(db), NewSQLPending(db), NewSQLCeremonyLedger(db), store, newAppender(t, store))
	status, err := second.GetRollbackStatus(ctx)
	require.NoError(t, err)
	require.True(t, status.TargetSelected)
	assert.Equal(t, sel.RollbackID, status.Selection.RollbackID)

	done, err := second.ExecuteRollback(ctx, evidence("cer-sql", "keeper-a", "keeper-b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), done.OrphanedStartSequence)
	assert.Equal(t, uint64(9), done.OrphanedEndSequence)

	orphans, err := store.GetOrphanedSequences(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 6, 7, 8}, orphans)

	_, err = first.ExecuteRollback(ctx, evidence("cer-sql", "keeper-a", "keeper-b"))
	assert.ErrorIs(t, err, ErrInvalidRollbackTarget, "selection was consumed")
}
