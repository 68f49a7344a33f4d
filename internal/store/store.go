// Package store wraps the embedded sqlite database that backs the
// entire orchestration core (spec §4.1): a single source of truth, no
// service-level caching, transactional writes, WAL journaling, foreign
// keys enforced, and a 5s busy timeout absorbing contention.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/cawhq/caw/pkg/logger"
)

// Config controls how NewStore opens the database.
type Config struct {
	// Path is either ":memory:" or a filesystem path. The parent
	// directory is created automatically when missing.
	Path          string
	BusyTimeoutMS int
	MaxOpenConns  int
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = 5000
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}
	return &cfg
}

// Store owns the single *sql.DB connection pool backing the core.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if necessary) the sqlite database at
// cfg.Path, applies pragmas, and returns a ready Store. It does not run
// migrations — call ApplyMigrations first, or let the caller do so.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store: config is required")
	}
	resolved := cfg.withDefaults()
	if resolved.Path != ":memory:" {
		if info, err := os.Stat(resolved.Path); err == nil && info.IsDir() {
			return nil, fmt.Errorf("store: path %q is a directory", resolved.Path)
		}
		dir := filepath.Dir(resolved.Path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: creating parent directory: %w", err)
			}
		}
	}
	dsn := buildDSN(resolved)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(resolved.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}
	if resolved.Path != ":memory:" {
		if err := os.Chmod(resolved.Path, 0o600); err != nil {
			logger.FromContext(ctx).Warn("store: could not chmod database file", "error", err)
		}
	}
	return &Store{db: db, path: resolved.Path}, nil
}

// buildDSN assembles the modernc.org/sqlite DSN with the pragmas spec
// §4.1 requires: foreign keys on, WAL journaling (skipped for
// in-memory databases, which have no journal), and a busy timeout.
func buildDSN(cfg *Config) string {
	var sb strings.Builder
	sb.WriteString(cfg.Path)
	sb.WriteString("?_pragma=foreign_keys(1)")
	fmt.Fprintf(&sb, "&_pragma=busy_timeout(%d)", cfg.BusyTimeoutMS)
	if cfg.Path != ":memory:" {
		sb.WriteString("&_pragma=journal_mode(WAL)")
	}
	return sb.String()
}

// DB exposes the underlying *sql.DB for migration tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the connection pool.
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}

// HealthCheck verifies the store is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Querier is satisfied by both *sql.DB and *sql.Tx, letting repository
// methods accept either a bare connection or an in-flight transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Transaction runs fn inside an ACID transaction, committing on
// success and rolling back on any error or panic (spec §4.1: "any
// write inside a transaction that violates an invariant causes the
// entire transaction to roll back").
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.FromContext(ctx).Warn("store: rollback failed", "error", rbErr)
			}
			return
		}
		err = tx.Commit()
	}()
	err = fn(ctx, tx)
	return err
}
