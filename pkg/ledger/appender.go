package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/integrity/pkg/witness"
)

const defaultAppendAttempts = 3

// Appender turns (event_type, payload) into a fully attributed draft against
// the current head and appends it. Every writer in the core goes through an
// Appender so author and witness signatures are always present.
type Appender struct {
	store    Store
	author   witness.Signer
	witness  witness.Signer
	clock    func() time.Time
	attempts int
	logger   *slog.Logger
}

func NewAppender(store Store, author, wit witness.Signer) *Appender {
	return &Appender{
		store:    store,
		author:   author,
		witness:  wit,
		clock:    time.Now,
		attempts: defaultAppendAttempts,
		logger:   slog.Default().With("component", "ledger_appender"),
	}
}

// WithClock overrides the local clock for testing.
func (a *Appender) WithClock(clock func() time.Time) *Appender {
	a.clock = clock
	return a
}

// Store returns the store the appender writes to.
func (a *Appender) Store() Store { return a.store }

// Draft builds the next draft on top of the current head. It does not write.
func (a *Appender) Draft(ctx context.Context, eventType string, payload any) (EventDraft, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return EventDraft{}, err
	}

	head, err := a.store.GetLatestEvent(ctx)
	if err != nil {
		return EventDraft{}, fmt.Errorf("ledger: read head: %w", err)
	}
	seq, prev := uint64(1), GenesisHash
	if head != nil {
		seq, prev = head.Sequence+1, head.ContentHash
	}

	local := NormalizeTimestamp(a.clock())
	hash, err := ComputeContentHash(seq, eventType, raw, prev, a.author.ID(), local)
	if err != nil {
		return EventDraft{}, err
	}
	sig, err := a.author.Sign([]byte(hash))
	if err != nil {
		return EventDraft{}, fmt.Errorf("ledger: author signature: %w", err)
	}
	wsig, err := a.witness.Sign(witness.AttestationMessage(hash, sig))
	if err != nil {
		return EventDraft{}, fmt.Errorf("ledger: witness signature: %w", err)
	}

	return EventDraft{
		EventID:          uuid.NewString(),
		Sequence:         seq,
		EventType:        eventType,
		Payload:          raw,
		PrevHash:         prev,
		ContentHash:      hash,
		Signature:        sig,
		AgentID:          a.author.ID(),
		WitnessID:        a.witness.ID(),
		WitnessSignature: wsig,
		LocalTimestamp:   local,
	}, nil
}

// Append drafts and appends one event. A draft that loses a race for its
// sequence is rebuilt on the new head; structural violations are returned as is.
func (a *Appender) Append(ctx context.Context, eventType string, payload any) (*Event, error) {
	var lastErr error
	for attempt := 1; attempt <= a.attempts; attempt++ {
		d, err := a.Draft(ctx, eventType, payload)
		if err != nil {
			return nil, err
		}
		ev, err := a.store.Append(ctx, d)
		if err == nil {
			a.logger.DebugContext(ctx, "event appended", "event_type", eventType, "sequence", ev.Sequence)
			return ev, nil
		}
		if !errors.Is(err, ErrSequenceConflict) && !errors.Is(err, ErrSequenceGap) {
			return nil, err
		}
		lastErr = err
		a.logger.DebugContext(ctx, "append lost sequence race, retrying", "event_type", eventType, "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("ledger: append %s after %d attempts: %w", eventType, a.attempts, lastErr)
}
