// Package database opens the SQL backends shared by the integrity stores.
// Postgres (lib/pq) serves clustered deployments; SQLite (modernc) serves
// embedded deployments, tests and offline verification.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ConnectionConfig holds configuration for a single database connection.
// DSN, when set, wins over the discrete Postgres fields.
type ConnectionConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DataSource returns the driver-specific connection string.
func (c ConnectionConfig) DataSource() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == DriverSQLite {
		return ":memory:"
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslmode,
	)
}

// Open connects and pings. SQLite handles are limited to one connection so an
// in-memory database is shared by every store and writers serialize.
func Open(ctx context.Context, cfg ConnectionConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverPostgres
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("database: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, cfg.DataSource())
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", driver, err)
	}

	switch {
	case driver == DriverSQLite:
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: ping %s: %w", driver, err)
	}
	return db, nil
}

// Initializer is implemented by every SQL-backed store.
type Initializer interface {
	Init(ctx context.Context) error
}

// Migrate initializes each store's schema in order.
func Migrate(ctx context.Context, stores ...Initializer) error {
	for _, s := range stores {
		if err := s.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

// IsUniqueViolation recognises duplicate-key failures from both drivers.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
