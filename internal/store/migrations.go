package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sql/*.sql
var migrationsFS embed.FS

// ApplyMigrations runs every pending goose migration embedded under
// migrations/sql against db. It is idempotent: re-running it against an
// already-migrated database is a no-op.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations/sql"); err != nil {
		return fmt.Errorf("store: applying migrations: %w", err)
	}
	return nil
}

// RollbackMigration undoes exactly one migration step. Used by tests;
// the `cawd migrate` command only applies migrations.
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: setting goose dialect: %w", err)
	}
	if err := goose.DownContext(ctx, db, "migrations/sql"); err != nil {
		return fmt.Errorf("store: rolling back migration: %w", err)
	}
	return nil
}

// MigrationStatus reports the current applied migration version.
func MigrationStatus(ctx context.Context, db *sql.DB) (int64, error) {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("store: setting goose dialect: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("store: reading migration version: %w", err)
	}
	return version, nil
}
