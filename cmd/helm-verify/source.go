package main

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
	"github.com/Mindburn-Labs/helm/integrity/pkg/verify"
)

// openSource returns the single configured source and a release function.
func openSource(ctx context.Context, opts *options) (verify.Source, func(), error) {
	set := 0
	for _, v := range []string{opts.api, opts.file, opts.localDB} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, nil, fmt.Errorf("exactly one of --api, --file or --local-db is required")
	}

	switch {
	case opts.api != "":
		src, err := verify.NewAPISource(opts.api, opts.rps, opts.burst)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	case opts.file != "":
		src, err := verify.OpenFile(opts.file)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	default:
		src, err := verify.OpenSQLite(ctx, opts.localDB)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { _ = src.Close() }, nil
	}
}

// loadEvents opens the source and reads [from, to] (to == 0 means the head).
func loadEvents(ctx context.Context, opts *options, from, to uint64) (verify.Source, []ledger.Event, func(), error) {
	src, release, err := openSource(ctx, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	events, err := src.Events(ctx, from, to)
	if err != nil {
		release()
		return nil, nil, nil, fmt.Errorf("read events: %w", err)
	}
	return src, events, release, nil
}
