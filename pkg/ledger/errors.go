package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrChainIntegrity      = errors.New("ledger: chain integrity violation")
	ErrContentHashMismatch = errors.New("ledger: content hash mismatch")
	ErrSequenceGap         = errors.New("ledger: sequence gap")
	ErrWitnessFormat       = errors.New("ledger: malformed witness attribution")
	ErrMissingSignature    = errors.New("ledger: missing author signature")
	ErrSequenceConflict    = errors.New("ledger: sequence already taken")
	ErrEventNotFound       = errors.New("ledger: event not found")
	ErrEventTypeRejected   = errors.New("ledger: event type is not ledger-eligible")
	ErrReservedEventType   = errors.New("ledger: event type is reserved for the integrity core")
	ErrInvalidDraft        = errors.New("ledger: invalid event draft")
)

// ChainIntegrityError reports a prev_hash that does not match the head.
type ChainIntegrityError struct {
	Sequence         uint64
	ExpectedPrevHash string
	ActualPrevHash   string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("ledger: chain integrity violation at sequence %d: expected prev_hash %s, got %s",
		e.Sequence, e.ExpectedPrevHash, e.ActualPrevHash)
}

func (e *ChainIntegrityError) Unwrap() error { return ErrChainIntegrity }

// ContentHashMismatchError reports a supplied content_hash that differs from
// the canonical recomputation.
type ContentHashMismatchError struct {
	Sequence uint64
	Expected string
	Actual   string
}

func (e *ContentHashMismatchError) Error() string {
	return fmt.Sprintf("ledger: content hash mismatch at sequence %d: computed %s, supplied %s",
		e.Sequence, e.Expected, e.Actual)
}

func (e *ContentHashMismatchError) Unwrap() error { return ErrContentHashMismatch }

// SequenceGapError reports a draft whose sequence is not head+1.
type SequenceGapError struct {
	Expected uint64
	Actual   uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("ledger: sequence gap: expected %d, got %d", e.Expected, e.Actual)
}

func (e *SequenceGapError) Unwrap() error { return ErrSequenceGap }

// WitnessFormatError reports a missing or malformed witness field.
type WitnessFormatError struct {
	Field  string
	Reason string
}

func (e *WitnessFormatError) Error() string {
	return fmt.Sprintf("ledger: malformed %s: %s", e.Field, e.Reason)
}

func (e *WitnessFormatError) Unwrap() error { return ErrWitnessFormat }
