package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/integrity/pkg/config"
	"github.com/Mindburn-Labs/helm/integrity/pkg/integrity"
)

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status, ledger head and pending rollback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				report, err := svc.Status(cmd.Context())
				if err != nil {
					return err
				}
				return g.print(report)
			})
		},
	}
}

func newHaltCmd(g *globals) *cobra.Command {
	var reason, by string
	cmd := &cobra.Command{
		Use:   "halt",
		Short: "Halt the system and sweep in-flight tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("reason", reason); err != nil {
				return err
			}
			if err := requireFlag("by", by); err != nil {
				return err
			}
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				out, err := svc.TriggerHalt(cmd.Context(), reason, by)
				if out != nil {
					if perr := g.print(out); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the system is halted")
	cmd.Flags().StringVar(&by, "by", "", "Who or what triggered the halt")
	return cmd
}

func newClearHaltCmd(g *globals) *cobra.Command {
	var reason, by string
	cmd := &cobra.Command{
		Use:   "clear-halt",
		Short: "Lift an active halt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlag("by", by); err != nil {
				return err
			}
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				ev, err := svc.ClearHalt(cmd.Context(), by, reason)
				if err != nil {
					return err
				}
				return g.print(ev)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the halt is lifted")
	cmd.Flags().StringVar(&by, "by", "", "Who lifts the halt")
	return cmd
}

func newCeaseCmd(g *globals) *cobra.Command {
	var (
		reason, by string
		confirm    bool
	)
	cmd := &cobra.Command{
		Use:   "cease",
		Short: "Permanently cease the system",
		Long: `Permanently cease the system. Every later write is rejected and cannot be
undone. The full ledger is archived to the configured sink.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return fmt.Errorf("cessation is permanent; pass --confirm to proceed")
			}
			if err := requireFlag("reason", reason); err != nil {
				return err
			}
			if err := requireFlag("by", by); err != nil {
				return err
			}
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				out, err := svc.Cease(cmd.Context(), reason, by)
				if out != nil {
					if perr := g.print(out); perr != nil {
						return perr
					}
				}
				if errors.Is(err, integrity.ErrArchive) {
					fmt.Fprintf(g.stderr, "warning: system ceased but %v\n", err)
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the system ceases")
	cmd.Flags().StringVar(&by, "by", "", "Who ordered cessation")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm permanent cessation")
	return cmd
}
