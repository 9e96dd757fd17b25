package ledger

import "context"

// Reader is the read side of the ledger. Orphaned events are always returned,
// flagged via Event.Orphaned.
type Reader interface {
	// GetLatestEvent returns the head, or nil when the ledger is empty.
	GetLatestEvent(ctx context.Context) (*Event, error)

	// GetMaxSequence returns the head sequence, 0 when empty.
	GetMaxSequence(ctx context.Context) (uint64, error)

	GetEventBySequence(ctx context.Context, seq uint64) (*Event, error)

	// GetEventsByType returns events of one type in sequence order. limit <= 0 means no limit.
	GetEventsByType(ctx context.Context, eventType string, limit int) ([]Event, error)

	CountEventsByType(ctx context.Context, eventType string) (int, error)

	// GetEventsInRange returns events with from <= sequence <= to in order.
	GetEventsInRange(ctx context.Context, from, to uint64) ([]Event, error)

	// GetOrphanedSequences lists every sequence flagged by a rollback, ascending.
	GetOrphanedSequences(ctx context.Context) ([]uint64, error)
}

// Writer appends drafts. There is deliberately no update or delete.
type Writer interface {
	Append(ctx context.Context, d EventDraft) (*Event, error)
}

// Store is the full Ledger Store port.
type Store interface {
	Reader
	Writer
}
