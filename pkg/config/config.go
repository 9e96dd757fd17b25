// Package config loads the integrity core configuration from a YAML file with
// INTEGRITY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/integrity/pkg/archive"
	"github.com/Mindburn-Labs/helm/integrity/pkg/database"
	"github.com/Mindburn-Labs/helm/integrity/pkg/observability"
	"github.com/Mindburn-Labs/helm/integrity/pkg/witness"
)

// Config is the full configuration of an integrity deployment.
type Config struct {
	Database      database.ConnectionConfig `yaml:"database"`
	Redis         RedisConfig               `yaml:"redis"`
	Ledger        LedgerConfig              `yaml:"ledger"`
	Rollback      RollbackConfig            `yaml:"rollback"`
	Keeper        KeeperConfig              `yaml:"keeper"`
	Archive       archive.Config            `yaml:"archive"`
	Observability observability.Config      `yaml:"observability"`
	HTTP          HTTPConfig                `yaml:"http"`
	LogLevel      string                    `yaml:"log_level"`
}

// RedisConfig configures the fast flag channel. An empty Addr selects the
// in-process channel, which is only suitable for a single node.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LedgerConfig carries the identities that author and witness system events.
type LedgerConfig struct {
	AuthorID            string   `yaml:"author_id"`
	WitnessID           string   `yaml:"witness_id"`
	Seed                string   `yaml:"seed"`
	ConstitutionalRules []string `yaml:"constitutional_rules"`
	OperationalRules    []string `yaml:"operational_rules"`
}

type RollbackConfig struct {
	MinApprovers int `yaml:"min_approvers"`
	// VerifySignatures checks every ceremony approval against the keeper's
	// registered keys. On by default; turning it off accepts any non-empty
	// signature and is only meant for tests and local drills.
	VerifySignatures bool `yaml:"verify_signatures"`
}

type KeeperConfig struct {
	// RotationWindow is the default overlap between an old and a new key.
	RotationWindow time.Duration `yaml:"rotation_window"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration for a single embedded node.
func Default() *Config {
	return &Config{
		Database: database.ConnectionConfig{
			Driver: database.DriverSQLite,
			DSN:    "data/integrity.db",
		},
		Redis: RedisConfig{KeyPrefix: "helm:integrity:"},
		Ledger: LedgerConfig{
			AuthorID:  "integrity-core",
			WitnessID: witness.Prefix + "integrity-core",
		},
		Rollback:      RollbackConfig{MinApprovers: 2, VerifySignatures: true},
		Keeper:        KeeperConfig{RotationWindow: 7 * 24 * time.Hour},
		Archive:       archive.Config{Type: archive.SinkTypeFS, Dir: "data/archive"},
		Observability: *observability.DefaultConfig(),
		HTTP:          HTTPConfig{Addr: ":8090"},
		LogLevel:      "INFO",
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result. Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var firstErr error
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("config: %s: %w", key, err)
			}
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			*dst = v == "true" || v == "1"
		}
	}

	str("INTEGRITY_DB_DRIVER", &c.Database.Driver)
	str("INTEGRITY_DB_DSN", &c.Database.DSN)
	str("INTEGRITY_REDIS_ADDR", &c.Redis.Addr)
	str("INTEGRITY_REDIS_PASSWORD", &c.Redis.Password)
	num("INTEGRITY_REDIS_DB", &c.Redis.DB)
	str("INTEGRITY_AUTHOR_ID", &c.Ledger.AuthorID)
	str("INTEGRITY_WITNESS_ID", &c.Ledger.WitnessID)
	str("INTEGRITY_LEDGER_SEED", &c.Ledger.Seed)
	num("INTEGRITY_ROLLBACK_MIN_APPROVERS", &c.Rollback.MinApprovers)
	flag("INTEGRITY_ROLLBACK_VERIFY_SIGNATURES", &c.Rollback.VerifySignatures)
	if v, ok := lookup("INTEGRITY_ARCHIVE_TYPE"); ok {
		c.Archive.Type = archive.SinkType(v)
	}
	str("INTEGRITY_ARCHIVE_DIR", &c.Archive.Dir)
	str("INTEGRITY_S3_BUCKET", &c.Archive.S3.Bucket)
	str("INTEGRITY_S3_REGION", &c.Archive.S3.Region)
	str("INTEGRITY_S3_ENDPOINT", &c.Archive.S3.Endpoint)
	str("INTEGRITY_GCS_BUCKET", &c.Archive.Bucket)
	str("INTEGRITY_OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)
	flag("INTEGRITY_OTEL_ENABLED", &c.Observability.Enabled)
	str("INTEGRITY_HTTP_ADDR", &c.HTTP.Addr)
	str("INTEGRITY_LOG_LEVEL", &c.LogLevel)

	return firstErr
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case database.DriverPostgres, database.DriverSQLite:
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Ledger.AuthorID == "" {
		return fmt.Errorf("config: ledger.author_id is required")
	}
	if !strings.HasPrefix(c.Ledger.WitnessID, witness.Prefix) || len(c.Ledger.WitnessID) == len(witness.Prefix) {
		return fmt.Errorf("config: ledger.witness_id %q: %w", c.Ledger.WitnessID, witness.ErrInvalidWitnessID)
	}
	if c.Rollback.MinApprovers < 1 {
		return fmt.Errorf("config: rollback.min_approvers must be at least 1, got %d", c.Rollback.MinApprovers)
	}
	if c.Keeper.RotationWindow < 0 {
		return fmt.Errorf("config: keeper.rotation_window must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps DEBUG/INFO/WARN/ERROR (any case) to a slog level. An
// empty string is INFO.
func ParseLogLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}
