// Package verify holds the read-side integrity checks used by helm-verify and
// by the archive exporter. Every check is offline: it trusts only SHA-256,
// Ed25519 and canonical JSON, never the process that produced the events.
package verify

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
)

// Check names, as reported in Result.Check.
const (
	CheckChainName      = "check-chain"
	CheckGapsName       = "check-gaps"
	CheckSignaturesName = "verify-signatures"
	CheckProofName      = "verify-proof"
	CheckMerkleName     = "verify-merkle"
)

// Result is the outcome of one check. FirstInvalid is set only when Valid is
// false and the failure can be pinned to a sequence.
type Result struct {
	Check        string  `json:"check"`
	Valid        bool    `json:"valid"`
	FirstInvalid *uint64 `json:"first_invalid,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	Checked      int     `json:"checked"`
}

func (r Result) fail(seq uint64, format string, args ...any) Result {
	r.Valid = false
	r.FirstInvalid = &seq
	r.Reason = fmt.Sprintf(format, args...)
	return r
}

func (r Result) pass() Result {
	r.Valid = true
	return r
}

func (r Result) String() string {
	if r.Valid {
		return fmt.Sprintf("%s: VALID (%d checked)", r.Check, r.Checked)
	}
	if r.FirstInvalid != nil {
		return fmt.Sprintf("%s: INVALID at sequence %d: %s", r.Check, *r.FirstInvalid, r.Reason)
	}
	return fmt.Sprintf("%s: INVALID: %s", r.Check, r.Reason)
}

// window returns a sorted copy of the events with from <= sequence <= to.
// to == 0 means no upper bound.
func window(events []ledger.Event, from, to uint64) []ledger.Event {
	out := make([]ledger.Event, 0, len(events))
	for _, ev := range events {
		if ev.Sequence < from || (to != 0 && ev.Sequence > to) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
