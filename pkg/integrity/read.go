package integrity

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm/integrity/pkg/halt"
	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
	"github.com/Mindburn-Labs/helm/integrity/pkg/rollback"
)

// Head is the ledger head as served to readers.
type Head struct {
	Sequence    uint64 `json:"sequence"`
	ContentHash string `json:"content_hash,omitempty"`
}

// StatusReport summarises the state of the core.
type StatusReport struct {
	System           halt.StatusHeader       `json:"system"`
	Head             Head                    `json:"head"`
	OrphanedCount    int                     `json:"orphaned_count"`
	Rollback         rollback.RollbackStatus `json:"rollback"`
	ActiveRotations  int                     `json:"active_rotations"`
	ArchiveAvailable bool                    `json:"archive_available"`
}

// ReadHead returns the head wrapped with the system status.
func (c *Core) ReadHead(ctx context.Context) (halt.ReadResponse[Head], error) {
	ev, err := c.store.GetLatestEvent(ctx)
	if err != nil {
		return halt.ReadResponse[Head]{}, fmt.Errorf("integrity: read head: %w", err)
	}
	var h Head
	if ev != nil {
		h = Head{Sequence: ev.Sequence, ContentHash: ev.ContentHash}
	}
	return halt.WrapRead(ctx, c.halt, h), nil
}

// ReadEvents returns [from, to] (orphans included and flagged) wrapped with
// the system status. to == 0 reads to the head.
func (c *Core) ReadEvents(ctx context.Context, from, to uint64) (halt.ReadResponse[[]ledger.Event], error) {
	if to == 0 {
		head, err := c.store.GetMaxSequence(ctx)
		if err != nil {
			return halt.ReadResponse[[]ledger.Event]{}, fmt.Errorf("integrity: read head: %w", err)
		}
		to = head
	}
	events, err := c.store.GetEventsInRange(ctx, from, to)
	if err != nil {
		return halt.ReadResponse[[]ledger.Event]{}, fmt.Errorf("integrity: read events: %w", err)
	}
	if events == nil {
		events = []ledger.Event{}
	}
	return halt.WrapRead(ctx, c.halt, events), nil
}

// Status reports the system state. An unreadable flag state is reported as
// UNKNOWN rather than failing the call.
func (c *Core) Status(ctx context.Context) (StatusReport, error) {
	header, err := c.halt.Status(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "flag state unavailable", "error", err)
	}
	report := StatusReport{System: header, ArchiveAvailable: c.exporter != nil}

	ev, err := c.store.GetLatestEvent(ctx)
	if err != nil {
		return report, fmt.Errorf("integrity: read head: %w", err)
	}
	if ev != nil {
		report.Head = Head{Sequence: ev.Sequence, ContentHash: ev.ContentHash}
	}
	orphaned, err := c.store.GetOrphanedSequences(ctx)
	if err != nil {
		return report, fmt.Errorf("integrity: read orphans: %w", err)
	}
	report.OrphanedCount = len(orphaned)

	if report.Rollback, err = c.rollback.GetRollbackStatus(ctx); err != nil {
		return report, err
	}
	active, err := c.rotation.ActiveTransitions(ctx)
	if err != nil {
		return report, err
	}
	report.ActiveRotations = len(active)
	return report, nil
}
