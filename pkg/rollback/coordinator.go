// Package rollback coordinates checkpoint rollback while the system is halted.
//
// The flow has two phases that may run in different processes: a target is
// selected (and persisted), then executed once a keeper ceremony approves it.
// Nothing is ever deleted; the rollback.completed event makes the ledger flag
// everything after the checkpoint as orphaned.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/integrity/pkg/keeper"
	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
)

// HaltState is the part of the halt controller the coordinator needs.
type HaltState interface {
	IsHalted(ctx context.Context) (bool, error)
}

// EventAppender writes audit events. *ledger.Appender satisfies it.
type EventAppender interface {
	Append(ctx context.Context, eventType string, payload any) (*ledger.Event, error)
}

// RollbackStatus reports whether a target is waiting for execution.
type RollbackStatus struct {
	TargetSelected bool                           `json:"target_selected"`
	Selection      *RollbackTargetSelectedPayload `json:"selection,omitempty"`
}

type Coordinator struct {
	state        HaltState
	checkpoints  CheckpointRepository
	pending      PendingStore
	ceremonies   CeremonyLedger
	reader       ledger.Reader
	appender     EventAppender
	registry     keeper.Registry
	minApprovers int
	clock        func() time.Time
	logger       *slog.Logger
}

func NewCoordinator(
	state HaltState,
	checkpoints CheckpointRepository,
	pending PendingStore,
	ceremonies CeremonyLedger,
	reader ledger.Reader,
	appender EventAppender,
) *Coordinator {
	return &Coordinator{
		state:        state,
		checkpoints:  checkpoints,
		pending:      pending,
		ceremonies:   ceremonies,
		reader:       reader,
		appender:     appender,
		minApprovers: DefaultMinApprovers,
		clock:        time.Now,
		logger:       slog.Default().With("component", "rollback_coordinator"),
	}
}

func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

func (c *Coordinator) WithMinApprovers(n int) *Coordinator {
	if n > 0 {
		c.minApprovers = n
	}
	return c
}

// WithKeyVerification makes ExecuteRollback verify every approval signature
// against the keeper key registry.
func (c *Coordinator) WithKeyVerification(reg keeper.Registry) *Coordinator {
	c.registry = reg
	return c
}

func (c *Coordinator) requireHalted(ctx context.Context, phase string) error {
	halted, err := c.state.IsHalted(ctx)
	if err != nil {
		return fmt.Errorf("rollback: %s: read halt state: %w", phase, err)
	}
	if !halted {
		return &RollbackNotPermittedError{Phase: phase, Reason: "system is not halted"}
	}
	return nil
}

// checkTarget confirms the checkpoint still fits the ledger and returns the
// current head sequence.
func (c *Coordinator) checkTarget(ctx context.Context, cp *Checkpoint) (uint64, error) {
	head, err := c.reader.GetMaxSequence(ctx)
	if err != nil {
		return 0, fmt.Errorf("rollback: read ledger head: %w", err)
	}
	if cp.EventSequence > head {
		return 0, &InvalidRollbackTargetError{
			Reason: fmt.Sprintf("checkpoint %s at sequence %d is beyond ledger head %d", cp.CheckpointID, cp.EventSequence, head),
		}
	}
	if cp.EventSequence == 0 || cp.AnchorHash == "" {
		return head, nil
	}
	anchor, err := c.reader.GetEventBySequence(ctx, cp.EventSequence)
	if err != nil {
		return 0, fmt.Errorf("rollback: read anchor event %d: %w", cp.EventSequence, err)
	}
	if anchor.ContentHash != cp.AnchorHash {
		return 0, &InvalidRollbackTargetError{
			Reason: fmt.Sprintf("checkpoint %s anchor hash does not match event %d", cp.CheckpointID, cp.EventSequence),
		}
	}
	return head, nil
}

// SelectRollbackTarget records checkpointID as the pending target and appends
// rollback.target_selected. The returned payload is what keepers sign.
func (c *Coordinator) SelectRollbackTarget(ctx context.Context, checkpointID string, selectingKeepers []string, reason string) (*RollbackTargetSelectedPayload, error) {
	if err := c.requireHalted(ctx, "select"); err != nil {
		return nil, err
	}
	cp, err := c.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	head, err := c.checkTarget(ctx, cp)
	if err != nil {
		return nil, err
	}

	payload := RollbackTargetSelectedPayload{
		RollbackID:           uuid.NewString(),
		CheckpointID:         cp.CheckpointID,
		TargetEventSequence:  cp.EventSequence,
		CheckpointAnchorHash: cp.AnchorHash,
		CurrentHeadSequence:  head,
		SelectingKeepers:     append([]string{}, selectingKeepers...),
		Reason:               reason,
		SelectedAt:           ledger.NormalizeTimestamp(c.clock()),
	}
	if err := c.pending.Save(ctx, payload); err != nil {
		return nil, err
	}
	if _, err := c.appender.Append(ctx, ledger.EventTypeRollbackTargetSelected, payload); err != nil {
		if cerr := c.pending.Clear(ctx); cerr != nil {
			c.logger.ErrorContext(ctx, "failed to clear pending selection after append error",
				"rollback_id", payload.RollbackID, "error", cerr)
		}
		return nil, fmt.Errorf("rollback: record target selection: %w", err)
	}

	c.logger.InfoContext(ctx, "rollback target selected",
		"rollback_id", payload.RollbackID,
		"checkpoint_id", cp.CheckpointID,
		"target_sequence", cp.EventSequence,
		"head_sequence", head,
	)
	return &payload, nil
}

// ExecuteRollback validates the ceremony against the pending selection and
// appends rollback.completed, which orphans [checkpoint+1, head+1) where head
// is the ledger head at selection time. Audit events written after selection
// stay live.
func (c *Coordinator) ExecuteRollback(ctx context.Context, ev CeremonyEvidence) (*RollbackCompletedPayload, error) {
	if err := c.requireHalted(ctx, "execute"); err != nil {
		return nil, err
	}
	sel, err := c.pending.Get(ctx)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, &InvalidRollbackTargetError{Reason: "no rollback target selected"}
	}
	if err := ValidateCeremony(ev, CeremonyTypeRollback, c.minApprovers); err != nil {
		return nil, err
	}
	if c.registry != nil {
		msg, err := sel.SignableContent()
		if err != nil {
			return nil, err
		}
		if err := VerifyApprovals(ctx, c.registry, ev, msg); err != nil {
			return nil, err
		}
	}

	cp, err := c.checkpoints.Get(ctx, sel.CheckpointID)
	if err != nil {
		return nil, err
	}
	if cp.EventSequence != sel.TargetEventSequence {
		return nil, &InvalidRollbackTargetError{
			Reason: fmt.Sprintf("checkpoint %s moved from %d to %d since selection", cp.CheckpointID, sel.TargetEventSequence, cp.EventSequence),
		}
	}
	head, err := c.checkTarget(ctx, cp)
	if err != nil {
		return nil, err
	}
	if head < sel.CurrentHeadSequence {
		return nil, &InvalidRollbackTargetError{
			Reason: fmt.Sprintf("ledger head %d is behind the selection head %d", head, sel.CurrentHeadSequence),
		}
	}
	if err := c.checkSameHalt(ctx, sel, head); err != nil {
		return nil, err
	}

	now := ledger.NormalizeTimestamp(c.clock())
	if err := c.ceremonies.Consume(ctx, ev.CeremonyID, "rollback:"+sel.RollbackID, now); err != nil {
		return nil, err
	}

	payload := RollbackCompletedPayload{
		RollbackID:            sel.RollbackID,
		CheckpointID:          cp.CheckpointID,
		TargetEventSequence:   cp.EventSequence,
		PreviousHeadSequence:  sel.CurrentHeadSequence,
		OrphanedStartSequence: cp.EventSequence + 1,
		OrphanedEndSequence:   sel.CurrentHeadSequence + 1,
		CeremonyID:            ev.CeremonyID,
		ApprovingKeepers:      ev.Approvers(),
		Reason:                sel.Reason,
		CompletedAt:           now,
	}
	if _, err := c.appender.Append(ctx, ledger.EventTypeRollbackCompleted, payload); err != nil {
		return nil, fmt.Errorf("rollback: record completion: %w", err)
	}
	if err := c.pending.Clear(ctx); err != nil {
		c.logger.WarnContext(ctx, "rollback completed but pending selection was not cleared",
			"rollback_id", payload.RollbackID, "error", err)
	}

	c.logger.InfoContext(ctx, "rollback executed",
		"rollback_id", payload.RollbackID,
		"checkpoint_id", cp.CheckpointID,
		"orphaned", payload.OrphanedCount(),
		"ceremony_id", ev.CeremonyID,
	)
	return &payload, nil
}

// checkSameHalt rejects a selection made under an earlier halt. Between
// selection and execution the ledger may only grow by halt-permitted system
// events, and never by halt.cleared.
func (c *Coordinator) checkSameHalt(ctx context.Context, sel *RollbackTargetSelectedPayload, head uint64) error {
	if head == sel.CurrentHeadSequence {
		return nil
	}
	events, err := c.reader.GetEventsInRange(ctx, sel.CurrentHeadSequence+1, head)
	if err != nil {
		return fmt.Errorf("rollback: read events since selection: %w", err)
	}
	for _, e := range events {
		if e.EventType == ledger.EventTypeHaltCleared || !ledger.HaltPermitted(e.EventType) {
			return &InvalidRollbackTargetError{
				Reason: fmt.Sprintf("selection %s is stale: %s at sequence %d was written after it", sel.RollbackID, e.EventType, e.Sequence),
			}
		}
	}
	return nil
}

// CancelSelection discards the pending selection, if any. A selection belongs
// to the halt it was made under and is cancelled when that halt is lifted.
func (c *Coordinator) CancelSelection(ctx context.Context, reason string) error {
	sel, err := c.pending.Get(ctx)
	if err != nil {
		return err
	}
	if sel == nil {
		return nil
	}
	if err := c.pending.Clear(ctx); err != nil {
		return fmt.Errorf("rollback: cancel selection %s: %w", sel.RollbackID, err)
	}
	c.logger.InfoContext(ctx, "rollback selection cancelled",
		"rollback_id", sel.RollbackID, "checkpoint_id", sel.CheckpointID, "reason", reason)
	return nil
}

func (c *Coordinator) GetRollbackStatus(ctx context.Context) (RollbackStatus, error) {
	sel, err := c.pending.Get(ctx)
	if err != nil {
		return RollbackStatus{}, err
	}
	return RollbackStatus{TargetSelected: sel != nil, Selection: sel}, nil
}

// ListCheckpoints returns the checkpoints that are valid targets for the
// current ledger head.
func (c *Coordinator) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	head, err := c.reader.GetMaxSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("rollback: read ledger head: %w", err)
	}
	return c.checkpoints.ListBefore(ctx, head)
}
