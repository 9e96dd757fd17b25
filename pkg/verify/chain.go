package verify

import (
	"crypto/ed25519"
	"errors"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
	"github.com/Mindburn-Labs/helm/integrity/pkg/witness"
)

// CheckChain recomputes content hashes and prev_hash links for events in
// [from, to]. The first event's link is checked only when it is genesis.
// from == 0 is treated as 1 and to == 0 means up to the last event present.
// The window must be covered: it fails if the events start after from or,
// when to is set, stop before to.
func CheckChain(events []ledger.Event, from, to uint64) Result {
	res := Result{Check: CheckChainName}
	if from == 0 {
		from = 1
	}
	sel := window(events, from, to)
	switch {
	case len(sel) == 0 && to != 0:
		return res.fail(from, "no events in [%d, %d]", from, to)
	case len(sel) > 0 && sel[0].Sequence != from:
		return res.fail(from, "window starts at %d, first event present is %d", from, sel[0].Sequence)
	}

	var prev *ledger.Event
	for i := range sel {
		ev := &sel[i]
		if reason := formatProblem(ev); reason != "" {
			return res.fail(ev.Sequence, "%s", reason)
		}
		want, err := ledger.ContentHashOf(ev)
		if err != nil {
			return res.fail(ev.Sequence, "cannot hash event: %v", err)
		}
		if want != ev.ContentHash {
			return res.fail(ev.Sequence, "content_hash mismatch: stored %s, computed %s", ev.ContentHash, want)
		}
		switch {
		case ev.Sequence == 1 && ev.PrevHash != ledger.GenesisHash:
			return res.fail(ev.Sequence, "genesis prev_hash is not the zero hash")
		case prev != nil && ev.Sequence != prev.Sequence+1:
			return res.fail(ev.Sequence, "chain broken: sequence %d follows %d", ev.Sequence, prev.Sequence)
		case prev != nil && ev.PrevHash != prev.ContentHash:
			return res.fail(ev.Sequence, "prev_hash does not match content_hash of sequence %d", prev.Sequence)
		}
		prev = ev
		res.Checked++
	}
	if to != 0 && prev.Sequence < to {
		return res.fail(prev.Sequence+1, "window truncated: last event present is %d, range ends at %d", prev.Sequence, to)
	}
	return res.pass()
}

// CheckGaps reports the first missing or repeated sequence in [from, to].
// from == 0 is treated as 1; to == 0 means up to the last event present.
func CheckGaps(events []ledger.Event, from, to uint64) Result {
	res := Result{Check: CheckGapsName}
	if from == 0 {
		from = 1
	}
	expected := from
	for _, ev := range window(events, from, to) {
		switch {
		case ev.Sequence < expected:
			return res.fail(ev.Sequence, "duplicate sequence %d", ev.Sequence)
		case ev.Sequence > expected:
			return res.fail(expected, "missing sequence %d (next present is %d)", expected, ev.Sequence)
		}
		expected++
		res.Checked++
	}
	if to != 0 && expected <= to {
		return res.fail(expected, "missing sequence %d (range ends at %d)", expected, to)
	}
	return res.pass()
}

func formatProblem(ev *ledger.Event) string {
	switch {
	case !isHex64(ev.PrevHash):
		return "prev_hash is not 64 hex characters"
	case !isHex64(ev.ContentHash):
		return "content_hash is not 64 hex characters"
	case !strings.HasPrefix(ev.WitnessID, ledger.WitnessPrefix):
		return "witness_id lacks the " + ledger.WitnessPrefix + " prefix"
	case len(ev.WitnessSignature) < ledger.MinSignatureLength || len(ev.WitnessSignature) > ledger.MaxSignatureLength:
		return "witness_signature length out of range"
	case ev.Signature == "":
		return "missing author signature"
	}
	return ""
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ErrUnknownKey is returned by a KeyResolver that has no key for an id.
var ErrUnknownKey = errors.New("verify: unknown key")

// KeyResolver supplies the public keys signatures are checked against.
type KeyResolver interface {
	AuthorKey(agentID string, at time.Time) (ed25519.PublicKey, error)
	WitnessKey(witnessID string) (ed25519.PublicKey, error)
}

// StaticKeys resolves from fixed maps. Author keys do not rotate.
type StaticKeys struct {
	Authors   map[string]ed25519.PublicKey
	Witnesses map[string]ed25519.PublicKey
}

func (k StaticKeys) AuthorKey(agentID string, _ time.Time) (ed25519.PublicKey, error) {
	if pub, ok := k.Authors[agentID]; ok {
		return pub, nil
	}
	return nil, ErrUnknownKey
}

func (k StaticKeys) WitnessKey(witnessID string) (ed25519.PublicKey, error) {
	if pub, ok := k.Witnesses[witnessID]; ok {
		return pub, nil
	}
	return nil, ErrUnknownKey
}

// VerifySignatures checks the author signature over content_hash and the
// witness attestation of every event.
func VerifySignatures(events []ledger.Event, keys KeyResolver) Result {
	res := Result{Check: CheckSignaturesName}
	for _, ev := range window(events, 0, 0) {
		pub, err := keys.AuthorKey(ev.AgentID, ev.LocalTimestamp)
		if err != nil {
			return res.fail(ev.Sequence, "author %q: %v", ev.AgentID, err)
		}
		if ok, _ := witness.VerifySignature(pub, []byte(ev.ContentHash), ev.Signature); !ok {
			return res.fail(ev.Sequence, "author signature does not verify")
		}
		wpub, err := keys.WitnessKey(ev.WitnessID)
		if err != nil {
			return res.fail(ev.Sequence, "witness %q: %v", ev.WitnessID, err)
		}
		if ok, _ := witness.VerifySignature(wpub, witness.AttestationMessage(ev.ContentHash, ev.Signature), ev.WitnessSignature); !ok {
			return res.fail(ev.Sequence, "witness signature does not verify")
		}
		res.Checked++
	}
	return res.pass()
}
