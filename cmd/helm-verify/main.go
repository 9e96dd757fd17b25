// Package main provides helm-verify, the read-only ledger verification tool.
// It checks a ledger from a running service (--api), an exported bundle
// (--file) or a local database copy (--local-db).
//
// Exit codes: 0 valid, 1 invalid, 2 runtime error.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

const (
	exitValid   = 0
	exitInvalid = 1
	exitError   = 2
)

// errInvalid marks a completed check that found the ledger invalid.
var errInvalid = errors.New("ledger is invalid")

type options struct {
	api     string
	file    string
	localDB string
	rps     float64
	burst   int
	output  string
	verbose bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	switch {
	case err == nil:
		return exitValid
	case errors.Is(err, errInvalid):
		return exitInvalid
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "helm-verify",
		Short: "Verify the integrity of a HELM constitutional ledger",
		Long: `helm-verify checks the hash chain, sequence contiguity, signatures,
as-of chain proofs and Merkle inclusion of ledger events.

Exactly one source must be given: --api, --file or --local-db.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
			_, err := parseOutputFormat(opts.output)
			return err
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.api, "api", "", "Base URL of a running integrity service")
	pf.StringVar(&opts.file, "file", "", "Exported ledger bundle (JSON)")
	pf.StringVar(&opts.localDB, "local-db", "", "Local SQLite ledger database")
	pf.Float64Var(&opts.rps, "rps", 20, "Request rate limit for --api (0 = unlimited)")
	pf.IntVar(&opts.burst, "burst", 5, "Request burst for --api")
	pf.StringVarP(&opts.output, "output", "o", "table", "Output format: table, json, yaml")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging on stderr")

	root.AddCommand(
		newCheckChainCmd(opts),
		newCheckGapsCmd(opts),
		newVerifyProofCmd(opts),
		newVerifyMerkleCmd(opts),
		newVerifySignaturesCmd(opts),
	)
	return root
}
