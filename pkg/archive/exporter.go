package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
	"github.com/Mindburn-Labs/helm/integrity/pkg/verify"
)

// ExportResult describes one stored bundle.
type ExportResult struct {
	Ref          string    `json:"ref"`
	MerkleRoot   string    `json:"merkle_root"`
	FromSequence uint64    `json:"from_sequence"`
	ToSequence   uint64    `json:"to_sequence"`
	EventCount   int       `json:"event_count"`
	ChainValid   bool      `json:"chain_valid"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Exporter snapshots ledger ranges into a Sink.
type Exporter struct {
	sink   Sink
	clock  func() time.Time
	logger *slog.Logger
}

func NewExporter(sink Sink) *Exporter {
	return &Exporter{
		sink:   sink,
		clock:  time.Now,
		logger: slog.Default().With("component", "archive_exporter"),
	}
}

func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export bundles events [from, to] (to == 0 means the head). A broken chain is
// still archived; ChainValid records the verdict.
func (e *Exporter) Export(ctx context.Context, r ledger.Reader, from, to uint64) (*ExportResult, error) {
	src := verify.NewReaderSource(r)
	if from == 0 {
		from = 1
	}
	if to == 0 {
		head, err := src.Head(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: read head: %w", err)
		}
		to = head
	}
	events, err := src.Events(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("archive: read events: %w", err)
	}
	tree, err := verify.BuildTree(events)
	if err != nil {
		return nil, fmt.Errorf("archive: merkle: %w", err)
	}
	orphaned, err := r.GetOrphanedSequences(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: read orphans: %w", err)
	}

	now := e.clock().UTC()
	bundle := verify.Bundle{
		FormatVersion: verify.BundleFormatVersion,
		ExportedAt:    now,
		FromSequence:  from,
		ToSequence:    to,
		MerkleRoot:    tree.Root,
		Events:        events,
	}
	for _, seq := range orphaned {
		if seq >= from && seq <= to {
			bundle.Orphaned = append(bundle.Orphaned, seq)
		}
	}
	if bundle.Events == nil {
		bundle.Events = []ledger.Event{}
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("archive: marshal bundle: %w", err)
	}
	ref, err := e.sink.Put(ctx, data)
	if err != nil {
		return nil, err
	}

	chain := verify.CheckChain(events, from, to)
	if !chain.Valid {
		e.logger.WarnContext(ctx, "archived ledger range with broken chain",
			"ref", ref, "reason", chain.Reason)
	}
	e.logger.InfoContext(ctx, "ledger range archived",
		"ref", ref, "from", from, "to", to, "events", len(events), "merkle_root", tree.Root)

	return &ExportResult{
		Ref:          ref,
		MerkleRoot:   tree.Root,
		FromSequence: from,
		ToSequence:   to,
		EventCount:   len(events),
		ChainValid:   chain.Valid,
		ExportedAt:   now,
	}, nil
}

// Load fetches and validates a stored bundle.
func Load(ctx context.Context, sink Sink, ref string) (*verify.Bundle, error) {
	data, err := sink.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return verify.ParseBundle(data)
}
