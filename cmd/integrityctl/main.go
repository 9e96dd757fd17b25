// Package main provides integrityctl, the operator tool for the integrity
// core: halt and cessation control, rollback ceremonies, keeper keys, ledger
// exports and the read-only ledger API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/integrity/pkg/config"
	"github.com/Mindburn-Labs/helm/integrity/pkg/integrity"
)

var version = "dev"

type globals struct {
	configPath string
	output     string
	stdout     io.Writer
	stderr     io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "integrityctl",
		Short: "Operate the HELM integrity core",
		Long: `integrityctl operates the integrity core of a HELM deployment directly
against its configured stores.

Configuration is read from --config (YAML) with INTEGRITY_* environment
overrides.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch strings.ToLower(g.output) {
			case "json", "yaml":
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (supported: json, yaml)", g.output)
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv("INTEGRITY_CONFIG"), "Path to the YAML configuration")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "json", "Output format: json, yaml")

	root.AddCommand(
		newStatusCmd(g),
		newHaltCmd(g),
		newClearHaltCmd(g),
		newCeaseCmd(g),
		newRollbackCmd(g),
		newKeysCmd(g),
		newExportCmd(g),
		newServeCmd(g),
	)
	return root
}

// withService loads the configuration, installs the logger, opens the core
// and closes it once fn returns.
func (g *globals) withService(ctx context.Context, fn func(*integrity.Service, *config.Config) error) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(g.stderr, &slog.HandlerOptions{Level: level})))

	svc, err := integrity.NewFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(context.WithoutCancel(ctx)); cerr != nil {
			slog.Default().WarnContext(ctx, "close failed", "error", cerr)
		}
	}()
	return fn(svc, cfg)
}

func (g *globals) print(v any) error {
	if strings.EqualFold(g.output, "yaml") {
		// Round-trip through JSON so the json tags name the fields.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(g.stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	}
	enc := json.NewEncoder(g.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireFlag(name, value string) error {
	if value == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}
