package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/evstore/pkg/store/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed snapshot_migrations/*.sql
var snapshotMigrationsFS embed.FS

const (
	eventMigrationsTable    = "schema_migrations"
	snapshotMigrationsTable = "snapshot_schema_migrations"
)

// runMigrations runs all pending event log migrations.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if err := migrate.Run(ctx, db, migrate.SQLite, eventMigrationsTable, migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("failed to run event log migrations: %w", err)
	}
	return nil
}

// runSnapshotMigrations runs the snapshot cache migrations. They are tracked
// in their own table so the cache can live in a database without events.
func runSnapshotMigrations(ctx context.Context, db *sql.DB) error {
	if err := migrate.Run(ctx, db, migrate.SQLite, snapshotMigrationsTable, snapshotMigrationsFS, "snapshot_migrations"); err != nil {
		return fmt.Errorf("failed to run snapshot cache migrations: %w", err)
	}
	return nil
}
