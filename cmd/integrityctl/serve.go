package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/integrity/pkg/config"
	"github.com/Mindburn-Labs/helm/integrity/pkg/integrity"
)

func newExportCmd(g *globals) *cobra.Command {
	var from, to uint64
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a ledger range to the configured archive sink",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withService(cmd.Context(), func(svc *integrity.Service, _ *config.Config) error {
				res, err := svc.Export(cmd.Context(), from, to)
				if err != nil {
					return err
				}
				return g.print(res)
			})
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 1, "First sequence")
	cmd.Flags().Uint64Var(&to, "to", 0, "Last sequence (0 = head)")
	return cmd
}

const shutdownTimeout = 10 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only ledger and status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return g.withService(ctx, func(svc *integrity.Service, cfg *config.Config) error {
				if addr == "" {
					addr = cfg.HTTP.Addr
				}
				return serve(ctx, addr, integrity.NewHandler(svc.Core))
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

func serve(ctx context.Context, addr string, h http.Handler) error {
	logger := slog.Default().With("component", "integrity_server")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
