package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/integrity/pkg/config"
	"github.com/Mindburn-Labs/helm/integrity/pkg/integrity"
	"github.com/Mindburn-Labs/helm/integrity/pkg/rollback"
)

func newRollbackCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Select and execute checkpoint rollbacks (system must be halted)",
	}
	cmd.AddCommand(
		newRollbackSelectCmd(g),
		newRollbackExecuteCmd(g),
		newRollbackStatusCmd(g),
		newCheckpointsCmd(g),
	)
	return cmd
}

func newRollbackSelectCmd(g *globals) *cobra.Command {
	var (
		checkpointID, reason string
		keepers              []string
	)
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Select the checkpoint to roll back to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("checkpoint", checkpointID); err != nil {
				return err
			}
			if len(keepers) == 0 {
				return fmt.Errorf("--keepers is required")
			}
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				sel, err := svc.SelectRollbackTarget(cmd.Context(), checkpointID, keepers, reason)
				if err != nil {
					return err
				}
				return g.print(sel)
			})
		},
	}
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "Checkpoint id")
	cmd.Flags().StringSliceVar(&keepers, "keepers", nil, "Selecting keeper ids")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the rollback is needed")
	return cmd
}

func newRollbackExecuteCmd(g *globals) *cobra.Command {
	var evidencePath string
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute the selected rollback with quorum ceremony evidence",
		Long: `Execute the selected rollback. --evidence names a JSON file holding the
ceremony evidence: {"ceremony_id", "ceremony_type": "rollback", "approvals":
[{"keeper_id", "signature", "signed_at"}]}.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("evidence", evidencePath); err != nil {
				return err
			}
			raw, err := os.ReadFile(evidencePath)
			if err != nil {
				return fmt.Errorf("read evidence: %w", err)
			}
			var ev rollback.CeremonyEvidence
			if err := json.Unmarshal(raw, &ev); err != nil {
				return fmt.Errorf("parse evidence: %w", err)
			}
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				done, err := svc.ExecuteRollback(cmd.Context(), ev)
				if err != nil {
					return err
				}
				return g.print(done)
			})
		},
	}
	cmd.Flags().StringVar(&evidencePath, "evidence", "", "Ceremony evidence JSON file")
	return cmd
}

func newRollbackStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pending rollback selection, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				st, err := svc.RollbackStatus(cmd.Context())
				if err != nil {
					return err
				}
				return g.print(st)
			})
		},
	}
}

func newCheckpointsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List checkpoints usable as rollback targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				cps, err := svc.ListCheckpoints(cmd.Context())
				if err != nil {
					return err
				}
				return g.print(cps)
			})
		},
	}

	var anchorType, creator string
	create := &cobra.Command{
		Use:   "create",
		Short: "Anchor a checkpoint at the current ledger head",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("creator", creator); err != nil {
				return err
			}
			at := rollback.AnchorType(anchorType)
			if at != rollback.AnchorGenesis && at != rollback.AnchorPeriodic {
				return fmt.Errorf("--type must be genesis or periodic")
			}
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				cp, err := svc.CreateCheckpoint(cmd.Context(), at, creator)
				if err != nil {
					return err
				}
				return g.print(cp)
			})
		},
	}
	create.Flags().StringVar(&anchorType, "type", string(rollback.AnchorPeriodic), "Anchor type: genesis, periodic")
	create.Flags().StringVar(&creator, "creator", "", "Creator id")
	cmd.AddCommand(create)
	return cmd
}
