package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
)

// ProofAnchor is the trusted starting point of a chain proof, usually a
// checkpoint. Sequence 0 anchors at genesis.
type ProofAnchor struct {
	Sequence    uint64 `json:"sequence"`
	ContentHash string `json:"content_hash"`
}

// ChainProof shows that HeadHash was the ledger head as of AsOf by linking it
// back to Anchor through every intermediate event.
type ChainProof struct {
	AsOf     time.Time      `json:"as_of"`
	Anchor   ProofAnchor    `json:"anchor"`
	Events   []ledger.Event `json:"events"`
	HeadHash string         `json:"head_hash"`
}

// BuildChainProof collects the events after anchorSeq whose authority
// timestamp is not after asOf. Any Source works, so proofs can be built from
// a live service, a local database or an exported bundle.
func BuildChainProof(ctx context.Context, src Source, anchorSeq uint64, asOf time.Time) (*ChainProof, error) {
	anchor := ProofAnchor{Sequence: anchorSeq, ContentHash: ledger.GenesisHash}
	if anchorSeq > 0 {
		evs, err := src.Events(ctx, anchorSeq, anchorSeq)
		if err != nil {
			return nil, fmt.Errorf("verify: load anchor %d: %w", anchorSeq, err)
		}
		if len(evs) != 1 || evs[0].Sequence != anchorSeq {
			return nil, fmt.Errorf("verify: anchor %d not found", anchorSeq)
		}
		anchor.ContentHash = evs[0].ContentHash
	}
	head, err := src.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: read head: %w", err)
	}

	proof := &ChainProof{AsOf: asOf.UTC(), Anchor: anchor, HeadHash: anchor.ContentHash}
	if head <= anchorSeq {
		return proof, nil
	}
	events, err := src.Events(ctx, anchorSeq+1, head)
	if err != nil {
		return nil, fmt.Errorf("verify: load events: %w", err)
	}
	for _, ev := range events {
		if ev.AuthorityTimestamp.After(asOf) {
			break
		}
		proof.Events = append(proof.Events, ev)
		proof.HeadHash = ev.ContentHash
	}
	return proof, nil
}

// VerifyChainProof walks the proof from its anchor and checks it ends at
// HeadHash without passing an event recorded after AsOf.
func VerifyChainProof(p ChainProof) Result {
	res := Result{Check: CheckProofName}
	prevHash := p.Anchor.ContentHash
	expected := p.Anchor.Sequence + 1
	for i := range p.Events {
		ev := &p.Events[i]
		if ev.Sequence != expected {
			return res.fail(ev.Sequence, "expected sequence %d", expected)
		}
		if ev.PrevHash != prevHash {
			return res.fail(ev.Sequence, "prev_hash does not link to sequence %d", expected-1)
		}
		want, err := ledger.ContentHashOf(ev)
		if err != nil {
			return res.fail(ev.Sequence, "cannot hash event: %v", err)
		}
		if want != ev.ContentHash {
			return res.fail(ev.Sequence, "content_hash mismatch")
		}
		if ev.AuthorityTimestamp.After(p.AsOf) {
			return res.fail(ev.Sequence, "event recorded at %s, after as-of %s",
				ev.AuthorityTimestamp.Format(time.RFC3339), p.AsOf.Format(time.RFC3339))
		}
		prevHash = ev.ContentHash
		expected++
		res.Checked++
	}
	if prevHash != p.HeadHash {
		return res.fail(expected-1, "proof ends at %s, claimed head %s", prevHash, p.HeadHash)
	}
	return res.pass()
}
