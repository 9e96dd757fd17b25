// Package ledger implements the append-only, hash-chained, witnessed event log.
//
// Invariants enforced at write time:
//   - event n's prev_hash equals event n-1's content_hash (genesis: 64 zeros)
//   - sequence is exactly previous + 1
//   - every event carries an author signature and a WITNESS:-prefixed witness attribution
//   - nothing is ever updated or deleted; rollback only flags events as orphaned
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm/integrity/pkg/canonical"
)

// GenesisHash is the prev_hash of the first event.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// WitnessPrefix is required on every witness_id.
const WitnessPrefix = "WITNESS:"

// Witness signatures are base64-encoded Ed25519 signatures (88 chars); the bounds
// leave room for padding variants without accepting truncated or garbage values.
const (
	MinSignatureLength = 80
	MaxSignatureLength = 100
)

// System event types written by the integrity core itself.
const (
	EventTypeHaltTriggered          = "halt.triggered"
	EventTypeHaltCleared            = "halt.cleared"
	EventTypeCessationExecuted      = "cessation.executed"
	EventTypeRollbackTargetSelected = "rollback.target_selected"
	EventTypeRollbackCompleted      = "rollback.completed"
	EventTypeKeyEmergencyRevoked    = "keeper.key_emergency_revoked"
)

// Event is an immutable ledger record.
type Event struct {
	EventID            string          `json:"event_id"`
	Sequence           uint64          `json:"sequence"`
	EventType          string          `json:"event_type"`
	Payload            json.RawMessage `json:"payload"`
	PrevHash           string          `json:"prev_hash"`
	ContentHash        string          `json:"content_hash"`
	Signature          string          `json:"signature"`
	AgentID            string          `json:"agent_id,omitempty"`
	WitnessID          string          `json:"witness_id"`
	WitnessSignature   string          `json:"witness_signature"`
	LocalTimestamp     time.Time       `json:"local_timestamp"`
	AuthorityTimestamp time.Time       `json:"authority_timestamp"`

	// Orphaned is set once a later rollback supersedes this event. The event
	// itself is never removed.
	Orphaned bool `json:"orphaned,omitempty"`
}

// EventDraft is the caller-supplied input to Append. ContentHash may be left
// empty, in which case the store computes it; if set it must match.
type EventDraft struct {
	EventID          string
	Sequence         uint64
	EventType        string
	Payload          json.RawMessage
	PrevHash         string
	ContentHash      string
	Signature        string
	AgentID          string
	WitnessID        string
	WitnessSignature string
	LocalTimestamp   time.Time
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("ledger: decode payload of event %d: %w", e.Sequence, err)
	}
	return nil
}

// hashInput is the canonical content covered by content_hash.
type hashInput struct {
	Sequence       uint64          `json:"sequence"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PrevHash       string          `json:"prev_hash"`
	AgentID        string          `json:"agent_id"`
	LocalTimestamp string          `json:"local_timestamp"`
}

// NormalizeTimestamp is applied to every timestamp entering the ledger so the
// hashed representation survives a round trip through any backing store.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ComputeContentHash returns the canonical SHA-256 over the hashed fields.
func ComputeContentHash(seq uint64, eventType string, payload json.RawMessage, prevHash, agentID string, local time.Time) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return canonical.Hash(hashInput{
		Sequence:       seq,
		EventType:      eventType,
		Payload:        payload,
		PrevHash:       prevHash,
		AgentID:        agentID,
		LocalTimestamp: NormalizeTimestamp(local).Format(time.RFC3339Nano),
	})
}

// ContentHashOf recomputes the content hash of a stored event.
func ContentHashOf(e *Event) (string, error) {
	return ComputeContentHash(e.Sequence, e.EventType, e.Payload, e.PrevHash, e.AgentID, e.LocalTimestamp)
}

// MarshalPayload converts an arbitrary payload value into raw JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal payload: %w", err)
	}
	return b, nil
}

// OrphanRange is the portion of a rollback.completed payload the store acts on.
// Sequences in [Start, End) are flagged as orphaned.
type OrphanRange struct {
	Start uint64 `json:"orphaned_start_sequence"`
	End   uint64 `json:"orphaned_end_sequence"`
}

func orphanRangeOf(d EventDraft) (OrphanRange, bool, error) {
	if d.EventType != EventTypeRollbackCompleted {
		return OrphanRange{}, false, nil
	}
	var r OrphanRange
	if err := json.Unmarshal(d.Payload, &r); err != nil {
		return OrphanRange{}, false, fmt.Errorf("%w: rollback payload: %v", ErrInvalidDraft, err)
	}
	if r.End > d.Sequence {
		r.End = d.Sequence
	}
	return r, r.Start < r.End, nil
}
