package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// validateDraft checks every structural invariant of d against the current
// head (nil when the ledger is empty) and returns the canonical content hash.
// It has no side effects; callers write nothing unless it returns nil.
func validateDraft(d EventDraft, head *Event) (string, error) {
	if d.EventID == "" {
		return "", fmt.Errorf("%w: event_id is required", ErrInvalidDraft)
	}
	if d.EventType == "" {
		return "", fmt.Errorf("%w: event_type is required", ErrInvalidDraft)
	}

	expectedSeq := uint64(1)
	expectedPrev := GenesisHash
	if head != nil {
		expectedSeq = head.Sequence + 1
		expectedPrev = head.ContentHash
	}
	if d.Sequence != expectedSeq {
		return "", &SequenceGapError{Expected: expectedSeq, Actual: d.Sequence}
	}
	if !isHex64(d.PrevHash) || d.PrevHash != expectedPrev {
		return "", &ChainIntegrityError{Sequence: d.Sequence, ExpectedPrevHash: expectedPrev, ActualPrevHash: d.PrevHash}
	}

	if d.Signature == "" {
		return "", ErrMissingSignature
	}
	if err := validateWitness(d.WitnessID, d.WitnessSignature); err != nil {
		return "", err
	}

	computed, err := ComputeContentHash(d.Sequence, d.EventType, d.Payload, d.PrevHash, d.AgentID, d.LocalTimestamp)
	if err != nil {
		return "", err
	}
	if d.ContentHash != "" && d.ContentHash != computed {
		return "", &ContentHashMismatchError{Sequence: d.Sequence, Expected: computed, Actual: d.ContentHash}
	}
	return computed, nil
}

func validateWitness(id, sig string) error {
	switch {
	case id == "":
		return &WitnessFormatError{Field: "witness_id", Reason: "missing"}
	case !strings.HasPrefix(id, WitnessPrefix):
		return &WitnessFormatError{Field: "witness_id", Reason: fmt.Sprintf("must start with %q", WitnessPrefix)}
	case len(id) == len(WitnessPrefix):
		return &WitnessFormatError{Field: "witness_id", Reason: "empty identifier after prefix"}
	case sig == "":
		return &WitnessFormatError{Field: "witness_signature", Reason: "missing"}
	case len(sig) < MinSignatureLength || len(sig) > MaxSignatureLength:
		return &WitnessFormatError{
			Field:  "witness_signature",
			Reason: fmt.Sprintf("length %d outside [%d, %d]", len(sig), MinSignatureLength, MaxSignatureLength),
		}
	}
	return nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
