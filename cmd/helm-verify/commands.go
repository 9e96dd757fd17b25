package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/integrity/pkg/verify"
)

func newCheckChainCmd(opts *options) *cobra.Command {
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "check-chain",
		Short: "Recompute content hashes and prev_hash links",
		Long: `Recompute every content hash in [--from, --to] and check that each event
links to its predecessor. The event before --from is loaded so the first link
in the window is checked too. Events missing at either end of the window
make the check fail. Without --from a partial export is checked from its
own first sequence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lo := from
			if lo > 1 {
				lo--
			}
			src, events, release, err := loadEvents(cmd.Context(), opts, lo, to)
			if err != nil {
				return err
			}
			defer release()
			if fs, ok := src.(*verify.FileSource); ok && !cmd.Flags().Changed("from") && fs.Bundle.FromSequence > 1 {
				lo = fs.Bundle.FromSequence
			}
			return report(cmd, opts, verify.CheckChain(events, lo, to))
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 1, "First sequence")
	cmd.Flags().Uint64Var(&to, "to", 0, "Last sequence (0 = head)")
	return cmd
}

func newCheckGapsCmd(opts *options) *cobra.Command {
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "check-gaps",
		Short: "Report missing or repeated sequence numbers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, events, release, err := loadEvents(cmd.Context(), opts, from, to)
			if err != nil {
				return err
			}
			defer release()
			end := to
			if end == 0 {
				if end, err = src.Head(cmd.Context()); err != nil {
					return fmt.Errorf("read head: %w", err)
				}
			}
			return report(cmd, opts, verify.CheckGaps(events, from, end))
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 1, "First sequence")
	cmd.Flags().Uint64Var(&to, "to", 0, "Last sequence (0 = head)")
	return cmd
}

func newVerifyProofCmd(opts *options) *cobra.Command {
	var (
		asOf   string
		anchor uint64
	)
	cmd := &cobra.Command{
		Use:   "verify-proof",
		Short: "Build and verify a chain proof of the ledger as of a point in time",
		Long: `Build a hash-chain proof from the --anchor sequence (0 = genesis) covering
every event recorded at or before --as-of, then verify it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			at := time.Now().UTC()
			if asOf != "" {
				var err error
				if at, err = time.Parse(time.RFC3339, asOf); err != nil {
					return fmt.Errorf("invalid --as-of: %w", err)
				}
			}
			src, release, err := openSource(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer release()
			proof, err := verify.BuildChainProof(cmd.Context(), src, anchor, at)
			if err != nil {
				return err
			}
			return report(cmd, opts, verify.VerifyChainProof(*proof))
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "RFC 3339 time (default now)")
	cmd.Flags().Uint64Var(&anchor, "anchor", 0, "Trusted anchor sequence (0 = genesis)")
	return cmd
}

func newVerifyMerkleCmd(opts *options) *cobra.Command {
	var (
		seq  uint64
		root string
	)
	cmd := &cobra.Command{
		Use:   "verify-merkle",
		Short: "Prove a sequence is included in the ledger's Merkle tree",
		Long: `Build the Merkle tree over the source's events and verify the inclusion
proof of --sequence. With --file the bundle's recorded merkle_root is the
expected root unless --root overrides it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if seq == 0 {
				return fmt.Errorf("--sequence is required")
			}
			src, events, release, err := loadEvents(cmd.Context(), opts, 0, 0)
			if err != nil {
				return err
			}
			defer release()
			expected := root
			if fs, ok := src.(*verify.FileSource); ok && expected == "" {
				expected = fs.Bundle.MerkleRoot
			}
			return report(cmd, opts, verify.CheckMerkle(events, seq, expected))
		},
	}
	cmd.Flags().Uint64Var(&seq, "sequence", 0, "Sequence to prove")
	cmd.Flags().StringVar(&root, "root", "", "Expected Merkle root (hex)")
	return cmd
}

// keyFile maps ids to standard base64 Ed25519 public keys.
type keyFile struct {
	Authors   map[string]string `json:"authors"`
	Witnesses map[string]string `json:"witnesses"`
}

func loadKeys(path string) (verify.StaticKeys, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return verify.StaticKeys{}, fmt.Errorf("read keys: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return verify.StaticKeys{}, fmt.Errorf("parse keys: %w", err)
	}
	decode := func(in map[string]string) (map[string]ed25519.PublicKey, error) {
		out := make(map[string]ed25519.PublicKey, len(in))
		for id, b64 := range in {
			pub, err := base64.StdEncoding.DecodeString(b64)
			if err != nil || len(pub) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("invalid public key for %s", id)
			}
			out[id] = pub
		}
		return out, nil
	}
	keys := verify.StaticKeys{}
	if keys.Authors, err = decode(kf.Authors); err != nil {
		return keys, err
	}
	if keys.Witnesses, err = decode(kf.Witnesses); err != nil {
		return keys, err
	}
	return keys, nil
}

func newVerifySignaturesCmd(opts *options) *cobra.Command {
	var (
		from, to uint64
		keysPath string
	)
	cmd := &cobra.Command{
		Use:   "verify-signatures",
		Short: "Verify author signatures and witness attestations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keysPath == "" {
				return fmt.Errorf("--keys is required")
			}
			keys, err := loadKeys(keysPath)
			if err != nil {
				return err
			}
			_, events, release, err := loadEvents(cmd.Context(), opts, from, to)
			if err != nil {
				return err
			}
			defer release()
			return report(cmd, opts, verify.VerifySignatures(events, keys))
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 1, "First sequence")
	cmd.Flags().Uint64Var(&to, "to", 0, "Last sequence (0 = head)")
	cmd.Flags().StringVar(&keysPath, "keys", "", `JSON file {"authors": {id: base64}, "witnesses": {id: base64}}`)
	return cmd
}
