// Package migrate applies versioned SQL migrations embedded in an fs.FS.
// Files are named <version>_<name>.up.sql and <version>_<name>.down.sql;
// applied versions are recorded in a tracking table so each adapter can
// keep its own history.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrNoMigrations is returned by Down when nothing has been applied.
var ErrNoMigrations = errors.New("no migrations applied")

// Dialect adapts the tracking queries to a SQL flavour.
type Dialect struct {
	// Placeholder returns the bind parameter for the n-th argument (1-based).
	Placeholder func(n int) string
}

var (
	// SQLite uses "?" parameters.
	SQLite = Dialect{Placeholder: func(int) string { return "?" }}

	// Postgres uses "$n" parameters.
	Postgres = Dialect{Placeholder: func(n int) string { return "$" + strconv.Itoa(n) }}
)

// Migration is one schema version.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator applies migrations to a database.
type Migrator struct {
	db         *sql.DB
	dialect    Dialect
	table      string
	migrations []Migration
}

// New creates a migrator recording its history in table.
func New(db *sql.DB, dialect Dialect, table string) *Migrator {
	return &Migrator{db: db, dialect: dialect, table: table}
}

// Load reads every migration in dir of fsys. A version without an up
// script is an error; files that do not follow the naming scheme are
// ignored.
func (m *Migrator) Load(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migration directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version}
			byVersion[version] = mig
		}
		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			mig.Name = strings.TrimSuffix(rest, ".up.sql")
			mig.Up = string(content)
		case strings.HasSuffix(rest, ".down.sql"):
			mig.Down = string(content)
		}
	}

	m.migrations = m.migrations[:0]
	for _, mig := range byVersion {
		if mig.Up == "" {
			return fmt.Errorf("migration %d has no up script", mig.Version)
		}
		m.migrations = append(m.migrations, *mig)
	}
	slices.SortFunc(m.migrations, func(a, b Migration) int { return a.Version - b.Version })
	return nil
}

// Migrations returns the loaded migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return slices.Clone(m.migrations)
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(ctx, mig.Up,
			fmt.Sprintf("INSERT INTO %s (version, name, applied_at) VALUES (%s, %s, %s)",
				m.table, m.dialect.Placeholder(1), m.dialect.Placeholder(2), m.dialect.Placeholder(3)),
			mig.Version, mig.Name, time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to apply migration %d_%s: %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Down rolls back the newest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return ErrNoMigrations
	}

	i := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == current })
	if i < 0 {
		return fmt.Errorf("migration %d is not loaded", current)
	}
	mig := m.migrations[i]
	if mig.Down == "" {
		return fmt.Errorf("migration %d has no down script", current)
	}

	if err := m.apply(ctx, mig.Down,
		fmt.Sprintf("DELETE FROM %s WHERE version = %s", m.table, m.dialect.Placeholder(1)),
		current,
	); err != nil {
		return fmt.Errorf("failed to roll back migration %d_%s: %w", mig.Version, mig.Name, err)
	}
	return nil
}

// Version returns the newest applied version, 0 when none.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}

	var version int
	err := m.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", m.table),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at BIGINT NOT NULL
		)`, m.table))
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", m.table, err)
	}
	return nil
}

// apply runs script and the bookkeeping statement in one transaction.
func (m *Migrator) apply(ctx context.Context, script, record string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("failed to record version: %w", err)
	}
	return tx.Commit()
}

// Run loads the migrations in dir of fsys and applies the pending ones.
func Run(ctx context.Context, db *sql.DB, dialect Dialect, table string, fsys fs.FS, dir string) error {
	m := New(db, dialect, table)
	if err := m.Load(fsys, dir); err != nil {
		return err
	}
	return m.Up(ctx)
}
