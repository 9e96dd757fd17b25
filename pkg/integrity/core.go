// Package integrity composes the ledger, the halt/cessation controller, the
// keeper registry, the rollback coordinator and the halt task engine into one
// Core with the cross-component flows (halt, clear, cease, rollback).
package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/integrity/pkg/archive"
	"github.com/Mindburn-Labs/helm/integrity/pkg/halt"
	"github.com/Mindburn-Labs/helm/integrity/pkg/keeper"
	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
	"github.com/Mindburn-Labs/helm/integrity/pkg/observability"
	"github.com/Mindburn-Labs/helm/integrity/pkg/rollback"
	"github.com/Mindburn-Labs/helm/integrity/pkg/tasks"
	"github.com/Mindburn-Labs/helm/integrity/pkg/witness"
)

// ErrArchive is returned alongside a successful cessation whose final export
// could not be stored.
var ErrArchive = errors.New("integrity: final archive failed")

// Deps are the collaborators of a Core. Ledger is the raw store; New wraps it
// with the classification gate and the halt guard.
type Deps struct {
	Halt        *halt.Controller
	Ledger      ledger.Store
	Gate        ledger.Gate
	Author      witness.Signer
	Witness     witness.Signer
	Tasks       tasks.StatePort
	Keys        keeper.Registry
	Checkpoints rollback.CheckpointRepository
	Pending     rollback.PendingStore
	Ceremonies  rollback.CeremonyLedger
	// Sink receives the final export on cessation and explicit exports. Nil
	// disables archiving.
	Sink          archive.Sink
	Observability *observability.Provider

	MinApprovers     int
	VerifySignatures bool
	RotationWindow   time.Duration
	Clock            func() time.Time
}

// Core is the integrity core of one deployment.
type Core struct {
	halt        *halt.Controller
	store       *ledger.GuardedStore
	appender    *meteredAppender
	engine      *tasks.Engine
	rollback    *rollback.Coordinator
	checkpoints rollback.CheckpointRepository
	keys        keeper.Registry
	rotation    *keeper.RotationManager
	exporter    *archive.Exporter
	sink        archive.Sink
	obs         *observability.Provider

	// ceaseMu makes the frozen check and the cessation.executed append one step.
	ceaseMu sync.Mutex

	rotationWindow time.Duration
	clock          func() time.Time
	logger         *slog.Logger
}

// New wires a Core from deps.
func New(ctx context.Context, d Deps) (*Core, error) {
	if d.Halt == nil || d.Ledger == nil || d.Author == nil || d.Witness == nil {
		return nil, fmt.Errorf("integrity: halt controller, ledger, author and witness are required")
	}
	if d.Tasks == nil || d.Keys == nil || d.Checkpoints == nil || d.Pending == nil || d.Ceremonies == nil {
		return nil, fmt.Errorf("integrity: task, key, checkpoint, pending and ceremony stores are required")
	}
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	obs := d.Observability
	if obs == nil {
		var err error
		if obs, err = observability.New(ctx, &observability.Config{Enabled: false}); err != nil {
			return nil, err
		}
	}

	store := ledger.NewGuardedStore(d.Ledger, d.Gate, d.Halt)
	app := &meteredAppender{
		inner: ledger.NewAppender(store, d.Author, d.Witness).WithClock(clock),
		obs:   obs,
	}

	coord := rollback.NewCoordinator(d.Halt, d.Checkpoints, d.Pending, d.Ceremonies, store, app).
		WithClock(clock)
	if d.MinApprovers > 0 {
		coord = coord.WithMinApprovers(d.MinApprovers)
	}
	if d.VerifySignatures {
		coord = coord.WithKeyVerification(d.Keys)
	}

	c := &Core{
		halt:           d.Halt,
		store:          store,
		appender:       app,
		engine:         tasks.NewEngine(d.Tasks, app).WithClock(clock),
		rollback:       coord,
		checkpoints:    d.Checkpoints,
		keys:           d.Keys,
		sink:           d.Sink,
		obs:            obs,
		rotationWindow: d.RotationWindow,
		clock:          clock,
		logger:         slog.Default().With("component", "integrity_core"),
	}
	c.rotation = keeper.NewRotationManager(d.Keys).WithClock(clock).WithAuditSink(revocationAudit{appender: app})
	if d.Sink != nil {
		c.exporter = archive.NewExporter(d.Sink).WithClock(clock)
	}
	return c, nil
}

// Ledger exposes the guarded read side.
func (c *Core) Ledger() ledger.Reader { return c.store }

// Controller exposes the halt/cessation controller for read-side wrapping.
func (c *Core) Controller() *halt.Controller { return c.halt }

// Append writes an externally produced event through the classification
// gate and the halt guard. System event types are written only by Core's own
// operations and are refused here.
func (c *Core) Append(ctx context.Context, eventType string, payload any) (_ *ledger.Event, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "ledger.append", observability.AttrEventType.String(eventType))
	defer func() { done(err) }()
	if ledger.SystemEventType(eventType) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrReservedEventType, eventType)
	}
	return c.appender.Append(ctx, eventType, payload)
}

// HaltTriggeredPayload is the payload of halt.triggered.
type HaltTriggeredPayload struct {
	CorrelationID string    `json:"halt_correlation_id"`
	Reason        string    `json:"reason"`
	TriggeredBy   string    `json:"triggered_by"`
	HaltedAt      time.Time `json:"halted_at"`
}

// HaltClearedPayload is the payload of halt.cleared.
type HaltClearedPayload struct {
	CorrelationID string    `json:"halt_correlation_id,omitempty"`
	ClearedBy     string    `json:"cleared_by"`
	Reason        string    `json:"reason"`
	ClearedAt     time.Time `json:"cleared_at"`
}

// CessationPayload is the payload of cessation.executed.
type CessationPayload struct {
	Reason               string    `json:"reason"`
	CeasedBy             string    `json:"ceased_by"`
	PreviousHeadSequence uint64    `json:"previous_head_sequence"`
	CeasedAt             time.Time `json:"ceased_at"`
}

// HaltOutcome describes one TriggerHalt call.
type HaltOutcome struct {
	CorrelationID string                       `json:"halt_correlation_id"`
	EventSequence uint64                       `json:"event_sequence"`
	Sweep         *tasks.HaltTransitionResult `json:"sweep,omitempty"`
}

// TriggerHalt sets the halt flag, records halt.triggered and sweeps active
// tasks under one correlation id. Once the flag is set it stays set even if
// the audit event or the sweep fails; the error reports what is missing.
func (c *Core) TriggerHalt(ctx context.Context, reason, triggeredBy string) (_ *HaltOutcome, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "halt.trigger")
	defer func() { done(err) }()

	correlationID := uuid.NewString()
	haltedAt := c.clock().UTC()
	if err := c.halt.Halt(ctx, halt.HaltDetails{
		Reason:        reason,
		HaltedAt:      haltedAt,
		TriggeredBy:   triggeredBy,
		CorrelationID: correlationID,
	}); err != nil {
		return nil, err
	}
	c.obs.RecordHaltTransition(ctx, string(halt.StatusHalted))

	out := &HaltOutcome{CorrelationID: correlationID}
	ev, err := c.appender.Append(ctx, ledger.EventTypeHaltTriggered, HaltTriggeredPayload{
		CorrelationID: correlationID,
		Reason:        reason,
		TriggeredBy:   triggeredBy,
		HaltedAt:      haltedAt,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "halt in effect but halt.triggered not recorded",
			"halt_correlation_id", correlationID, "error", err)
		return out, fmt.Errorf("integrity: record halt: %w", err)
	}
	out.EventSequence = ev.Sequence

	res, err := c.engine.Sweep(ctx, correlationID)
	out.Sweep = res
	if res != nil {
		c.obs.RecordSweep(ctx, string(tasks.KindNullify), res.Nullified)
		c.obs.RecordSweep(ctx, string(tasks.KindQuarantine), res.Quarantined)
		c.obs.RecordSweep(ctx, string(tasks.KindPreserve), res.Preserved)
		c.obs.RecordSweep(ctx, string(tasks.KindFailed), res.Failed)
	}
	if err != nil {
		return out, fmt.Errorf("integrity: halt sweep: %w", err)
	}
	return out, nil
}

// ClearHalt cancels any pending rollback selection, records halt.cleared and
// then lifts the flag. The event goes first so a lifted halt is never
// unaudited.
func (c *Core) ClearHalt(ctx context.Context, clearedBy, reason string) (_ *ledger.Event, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "halt.clear")
	defer func() { done(err) }()

	current, err := c.halt.CurrentHalt(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, halt.ErrNotHalted
	}
	if err := c.halt.EnsureNotFrozen(ctx); err != nil {
		return nil, err
	}
	if err := c.rollback.CancelSelection(ctx, "halt cleared"); err != nil {
		return nil, fmt.Errorf("integrity: cancel pending rollback: %w", err)
	}

	ev, err := c.appender.Append(ctx, ledger.EventTypeHaltCleared, HaltClearedPayload{
		CorrelationID: current.CorrelationID,
		ClearedBy:     clearedBy,
		Reason:        reason,
		ClearedAt:     c.clock().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("integrity: record halt clearance: %w", err)
	}
	if err := c.halt.ClearHalt(ctx); err != nil {
		c.logger.ErrorContext(ctx, "halt.cleared recorded but flag still set",
			"event_sequence", ev.Sequence, "error", err)
		return ev, err
	}
	c.obs.RecordHaltTransition(ctx, string(halt.StatusOperational))
	return ev, nil
}

// CessationOutcome describes a completed cessation.
type CessationOutcome struct {
	Details halt.CessationDetails  `json:"details"`
	Archive *archive.ExportResult `json:"archive,omitempty"`
}

// Cease permanently stops the system: cessation.executed is appended, its
// sequence becomes the final sequence number, the cease flag is set and the
// whole ledger is exported. An archive failure does not undo cessation; the
// outcome is returned together with an ErrArchive error. Concurrent calls
// record exactly one cessation; the others fail with ErrSystemCeased.
func (c *Core) Cease(ctx context.Context, reason, ceasedBy string) (_ *CessationOutcome, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "cessation.execute")
	defer func() { done(err) }()

	c.ceaseMu.Lock()
	defer c.ceaseMu.Unlock()

	if err := c.halt.EnsureNotFrozen(ctx); err != nil {
		return nil, err
	}
	head, err := c.store.GetMaxSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("integrity: read head: %w", err)
	}
	ceasedAt := c.clock().UTC()

	ev, err := c.appender.Append(ctx, ledger.EventTypeCessationExecuted, CessationPayload{
		Reason:               reason,
		CeasedBy:             ceasedBy,
		PreviousHeadSequence: head,
		CeasedAt:             ceasedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("integrity: record cessation: %w", err)
	}

	details := halt.CessationDetails{
		CeasedAt:            ceasedAt,
		FinalSequenceNumber: ev.Sequence,
		Reason:              reason,
		CessationEventID:    ev.EventID,
	}
	if err := c.halt.SetCeased(ctx, details); err != nil {
		c.logger.ErrorContext(ctx, "cessation.executed recorded but cease flag not set",
			"event_sequence", ev.Sequence, "error", err)
		return nil, err
	}
	c.obs.RecordHaltTransition(ctx, string(halt.StatusCeased))

	out := &CessationOutcome{Details: details}
	if c.exporter == nil {
		return out, nil
	}
	res, err := c.exporter.Export(ctx, c.store, 1, ev.Sequence)
	if err != nil {
		c.logger.ErrorContext(ctx, "final archive failed", "error", err)
		return out, fmt.Errorf("%w: %v", ErrArchive, err)
	}
	out.Archive = res
	c.logger.InfoContext(ctx, "final ledger archived", "ref", res.Ref, "merkle_root", res.MerkleRoot)
	return out, nil
}

// Export archives [from, to] (to == 0 means the head). Exports are reads and
// stay available after cessation.
func (c *Core) Export(ctx context.Context, from, to uint64) (_ *archive.ExportResult, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "archive.export")
	defer func() { done(err) }()
	if c.exporter == nil {
		return nil, fmt.Errorf("integrity: no archive sink configured")
	}
	return c.exporter.Export(ctx, c.store, from, to)
}

// SelectRollbackTarget runs phase one of a rollback.
func (c *Core) SelectRollbackTarget(ctx context.Context, checkpointID string, keepers []string, reason string) (_ *rollback.RollbackTargetSelectedPayload, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "rollback.select", observability.AttrCheckpointID.String(checkpointID))
	defer func() { done(err) }()
	return c.rollback.SelectRollbackTarget(ctx, checkpointID, keepers, reason)
}

// ExecuteRollback runs phase two of a rollback.
func (c *Core) ExecuteRollback(ctx context.Context, ev rollback.CeremonyEvidence) (_ *rollback.RollbackCompletedPayload, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "rollback.execute")
	defer func() { done(err) }()
	return c.rollback.ExecuteRollback(ctx, ev)
}

func (c *Core) RollbackStatus(ctx context.Context) (rollback.RollbackStatus, error) {
	return c.rollback.GetRollbackStatus(ctx)
}

func (c *Core) ListCheckpoints(ctx context.Context) ([]rollback.Checkpoint, error) {
	return c.rollback.ListCheckpoints(ctx)
}

// CreateCheckpoint anchors the current head. It is the entry point for the
// scheduler that creates periodic checkpoints.
func (c *Core) CreateCheckpoint(ctx context.Context, anchorType rollback.AnchorType, creatorID string) (*rollback.Checkpoint, error) {
	if err := c.halt.ForOperation("create_checkpoint").Check(ctx); err != nil {
		return nil, err
	}
	head, err := c.store.GetLatestEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("integrity: read head: %w", err)
	}
	cp := rollback.Checkpoint{
		CheckpointID: uuid.NewString(),
		Timestamp:    c.clock().UTC(),
		AnchorHash:   ledger.GenesisHash,
		AnchorType:   anchorType,
		CreatorID:    creatorID,
	}
	if head != nil {
		cp.EventSequence = head.Sequence
		cp.AnchorHash = head.ContentHash
	}
	if err := c.checkpoints.Create(ctx, cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// RegisterKey adds a keeper key. Registration is refused after cessation.
func (c *Core) RegisterKey(ctx context.Context, key keeper.KeeperKey) (_ *keeper.KeeperKey, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "keeper.register",
		observability.AttrKeeperID.String(key.KeeperID), observability.AttrKeyID.String(key.KeyID))
	defer func() { done(err) }()
	if err := c.halt.ForOperation("register_key").Check(ctx); err != nil {
		return nil, err
	}
	if key.ActiveFrom.IsZero() {
		key.ActiveFrom = c.clock().UTC()
	}
	return c.keys.RegisterKey(ctx, key)
}

// BeginRotation starts an overlap window from oldKeyID to newKeyID. A zero
// end uses the configured rotation window.
func (c *Core) BeginRotation(ctx context.Context, oldKeyID, newKeyID string, end time.Time) (_ *keeper.Transition, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "keeper.rotate", observability.AttrKeyID.String(oldKeyID))
	defer func() { done(err) }()
	if err := c.halt.ForOperation("rotate_key").Check(ctx); err != nil {
		return nil, err
	}
	if end.IsZero() {
		end = c.clock().Add(c.rotationWindow)
	}
	return c.rotation.BeginTransition(ctx, oldKeyID, newKeyID, end)
}

func (c *Core) CompleteRotation(ctx context.Context, oldKeyID string) (*keeper.Transition, error) {
	if err := c.halt.ForOperation("complete_rotation").Check(ctx); err != nil {
		return nil, err
	}
	return c.rotation.CompleteTransition(ctx, oldKeyID)
}

// RevokeKey is the emergency revocation path. It stays available while
// halted; the revocation is recorded as keeper.key_emergency_revoked.
func (c *Core) RevokeKey(ctx context.Context, keyID, reason, revokedBy string) (_ *keeper.Revocation, err error) {
	ctx, done := c.obs.TrackOperation(ctx, "keeper.revoke", observability.AttrKeyID.String(keyID))
	defer func() { done(err) }()
	if err := c.halt.ForOperation("revoke_key").Check(ctx); err != nil {
		return nil, err
	}
	return c.rotation.EmergencyRevokeKey(ctx, keyID, reason, revokedBy)
}

// KeeperKeys lists every key ever registered for keeperID.
func (c *Core) KeeperKeys(ctx context.Context, keeperID string) ([]keeper.KeeperKey, error) {
	return c.keys.GetAllKeysForKeeper(ctx, keeperID)
}

func (c *Core) Keepers(ctx context.Context) ([]string, error) {
	return c.keys.ListKeepers(ctx)
}

func (c *Core) ActiveRotations(ctx context.Context) ([]keeper.Transition, error) {
	return c.rotation.ActiveTransitions(ctx)
}
