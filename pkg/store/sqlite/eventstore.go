// Package sqlite provides SQLite-backed implementations of the store
// contracts using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/store"
)

// EventStore is a SQLite-based implementation of store.EventLog.
type EventStore struct {
	db     *sql.DB
	ownsDB bool
	mu     sync.RWMutex // serializes writers; SQLite allows a single writer
}

// eventStoreConfig holds internal configuration for the SQLite event store.
type eventStoreConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// db is an already opened handle; dsn and pool settings are ignored when set
	db *sql.DB

	maxOpenConns int
	maxIdleConns int

	// walMode enables write-ahead logging for better concurrency
	walMode bool

	// autoMigrate automatically runs pending migrations on startup
	autoMigrate bool
}

func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:          "eventstore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
	}
}

// EventStoreOption is a function that configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase sets the database to an in-memory database.
// WAL mode is not available for in-memory databases and is switched off.
func WithMemoryDatabase() EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = ":memory:"
		c.walMode = false
	}
}

// WithDB uses an existing handle. The caller keeps ownership and must close it.
func WithDB(db *sql.DB) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.db = db
	}
}

// WithMaxOpenConns sets the maximum number of open connections to the database.
func WithMaxOpenConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections in the pool.
func WithMaxIdleConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging for better concurrency.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate enables automatic migration on startup.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewEventStore opens a SQLite event log.
//
//	// In-memory database for testing
//	log, err := sqlite.NewEventStore(ctx, sqlite.WithMemoryDatabase())
//
//	// File database shared with a snapshot cache
//	log, err := sqlite.NewEventStore(ctx, sqlite.WithDSN("/var/lib/evstore/events.db"))
//	cache, err := sqlite.NewSnapshotCache(ctx, log.DB())
func NewEventStore(ctx context.Context, opts ...EventStoreOption) (*EventStore, error) {
	config := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db := config.db
	ownsDB := false
	if db == nil {
		var err error
		db, err = openDB(config)
		if err != nil {
			return nil, err
		}
		ownsDB = true
	}

	s := &EventStore{db: db, ownsDB: ownsDB}

	if config.walMode {
		if err := s.setWALMode(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if config.autoMigrate {
		if err := runMigrations(ctx, db); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return s, nil
}

func openDB(config eventStoreConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" gets its own database.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func (s *EventStore) setWALMode(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`)
	return err
}

// Append implements store.EventLog.
func (s *EventStore) Append(ctx context.Context, env domain.RawEnvelope) error {
	if err := env.Type.Validate(); err != nil {
		return err
	}

	contextJSON, err := json.Marshal(env.Context)
	if err != nil {
		return fmt.Errorf("failed to encode event context: %w", err)
	}
	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (namespace, type, id, data, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, type, id) DO NOTHING`,
		env.Type.Namespace, env.Type.Type, env.ID.String(),
		string(data), string(contextJSON), toNanos(env.Context.Time),
	)
	if err != nil {
		return domain.NewIOError("append event", err)
	}
	return nil
}

// DB returns the underlying handle so other stores can share the database.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Close implements store.EventLog. A handle passed through WithDB is left open.
func (s *EventStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// toNanos maps the zero time to 0 so "since the beginning" reads work.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var _ store.EventLog = (*EventStore)(nil)
