package integrity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/helm/integrity/pkg/archive"
	"github.com/Mindburn-Labs/helm/integrity/pkg/classify"
	"github.com/Mindburn-Labs/helm/integrity/pkg/config"
	"github.com/Mindburn-Labs/helm/integrity/pkg/database"
	"github.com/Mindburn-Labs/helm/integrity/pkg/halt"
	"github.com/Mindburn-Labs/helm/integrity/pkg/keeper"
	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
	"github.com/Mindburn-Labs/helm/integrity/pkg/observability"
	"github.com/Mindburn-Labs/helm/integrity/pkg/rollback"
	"github.com/Mindburn-Labs/helm/integrity/pkg/tasks"
	"github.com/Mindburn-Labs/helm/integrity/pkg/witness"
)

// Service is a Core together with the resources it owns.
type Service struct {
	*Core
	closers []func(context.Context) error
}

// Close releases the database, the fast channel and the telemetry exporters.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewFromConfig opens every backend named by cfg, creates the schema and
// wires a Core on top.
func NewFromConfig(ctx context.Context, cfg *config.Config) (_ *Service, err error) {
	logger := slog.Default().With("component", "integrity_bootstrap")
	svc := &Service{}
	defer func() {
		if err != nil {
			_ = svc.Close(ctx)
		}
	}()

	obs, err := observability.New(ctx, &cfg.Observability)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, obs.Shutdown)

	if err := ensureSQLiteDir(cfg.Database); err != nil {
		return nil, err
	}
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, func(context.Context) error { return db.Close() })

	store := ledger.NewSQLStore(db)
	durable := halt.NewSQLChannel(db)
	taskStore := tasks.NewSQLStore(db)
	keys := keeper.NewSQLRegistry(db)
	checkpoints := rollback.NewSQLCheckpoints(db)
	pending := rollback.NewSQLPending(db)
	ceremonies := rollback.NewSQLCeremonyLedger(db)
	if err := database.Migrate(ctx, store, durable, taskStore, keys, checkpoints, pending, ceremonies); err != nil {
		return nil, err
	}

	var fast halt.FlagChannel
	if cfg.Redis.Addr != "" {
		rc := halt.NewRedisChannel(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
		if err := rc.Ping(ctx); err != nil {
			// The controller reads the durable channel when the fast one is down.
			logger.WarnContext(ctx, "redis fast channel unreachable at start-up", "addr", cfg.Redis.Addr, "error", err)
		}
		svc.closers = append(svc.closers, func(context.Context) error { return rc.Close() })
		fast = rc
	} else {
		logger.WarnContext(ctx, "no redis configured, using in-process fast channel")
		fast = halt.NewMemoryChannel("memory")
	}

	gate, err := newGate(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	author, wit, err := newSigners(ctx, cfg.Ledger, logger)
	if err != nil {
		return nil, err
	}
	sink, err := archive.NewSink(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}

	core, err := New(ctx, Deps{
		Halt:             halt.NewController(fast, durable),
		Ledger:           store,
		Gate:             gate,
		Author:           author,
		Witness:          wit,
		Tasks:            taskStore,
		Keys:             keys,
		Checkpoints:      checkpoints,
		Pending:          pending,
		Ceremonies:       ceremonies,
		Sink:             sink,
		Observability:    obs,
		MinApprovers:     cfg.Rollback.MinApprovers,
		VerifySignatures: cfg.Rollback.VerifySignatures,
		RotationWindow:   cfg.Keeper.RotationWindow,
	})
	if err != nil {
		return nil, err
	}
	svc.Core = core
	logger.InfoContext(ctx, "integrity core ready",
		"driver", cfg.Database.Driver,
		"author_id", author.ID(),
		"witness_id", wit.ID(),
		"archive", cfg.Archive.Type,
	)
	return svc, nil
}

func newGate(cfg config.LedgerConfig) (*classify.CELGate, error) {
	constitutional := cfg.ConstitutionalRules
	if len(constitutional) == 0 {
		constitutional = classify.DefaultConstitutionalRules
	}
	operational := cfg.OperationalRules
	if len(operational) == 0 {
		operational = classify.DefaultOperationalRules
	}
	return classify.NewCELGate(constitutional, operational)
}

// newSigners derives the author and witness keys from the configured seed.
// Without a seed the keys are ephemeral, so signatures cannot be re-verified
// after a restart.
func newSigners(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (witness.Signer, witness.Signer, error) {
	if cfg.Seed == "" {
		logger.WarnContext(ctx, "no ledger seed configured, using ephemeral signing keys")
		author, err := witness.NewEd25519Signer(cfg.AuthorID)
		if err != nil {
			return nil, nil, err
		}
		wit, err := witness.NewEd25519Signer(cfg.WitnessID)
		if err != nil {
			return nil, nil, err
		}
		return author, wit, nil
	}
	author, err := witness.DeriveAuthor([]byte(cfg.Seed), cfg.AuthorID)
	if err != nil {
		return nil, nil, fmt.Errorf("integrity: author key: %w", err)
	}
	wit, err := witness.DeriveWitness([]byte(cfg.Seed), cfg.WitnessID)
	if err != nil {
		return nil, nil, fmt.Errorf("integrity: witness key: %w", err)
	}
	return author, wit, nil
}

func ensureSQLiteDir(cfg database.ConnectionConfig) error {
	dsn := cfg.DataSource()
	if cfg.Driver != database.DriverSQLite || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
		return fmt.Errorf("integrity: create database directory: %w", err)
	}
	return nil
}
