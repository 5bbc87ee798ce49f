// Package postgres provides PostgreSQL implementations of the store
// contracts on a pgx connection pool. Payloads live in JSONB columns so
// selector field filters run in the database.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/store"
	"github.com/plaenen/evstore/pkg/store/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "evstore_schema_migrations"

// EventStore is a store.EventLog backed by PostgreSQL.
type EventStore struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// NewEventStore connects to dsn, verifies the connection and applies the schema.
func NewEventStore(ctx context.Context, dsn string) (*EventStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &EventStore{pool: pool, ownsPool: true}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewEventStoreFromPool wraps an existing pool. The caller keeps ownership
// and must call Migrate before first use.
func NewEventStoreFromPool(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Migrate applies the pending schema migrations for the events and
// snapshots tables.
func (s *EventStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	if err := migrate.Run(ctx, db, migrate.Postgres, migrationsTable, migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Pool returns the underlying pool so a SnapshotCache can share it.
func (s *EventStore) Pool() *pgxpool.Pool {
	return s.pool
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (namespace, type, id, data, context, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
		ON CONFLICT (namespace, type, id) DO NOTHING`,
		env.Type.Namespace, env.Type.Type, env.ID.String(),
		string(data), string(contextJSON), toNanos(env.Context.Time),
	)
	if err != nil {
		return domain.NewIOError("append event", err)
	}
	return nil
}

const selectEvents = `SELECT namespace, type, id::text, data, context, created_at FROM events`

// ReadSince implements store.EventLog.
func (s *EventStore) ReadSince(ctx context.Context, q store.Query, since time.Time) ([]domain.RawEnvelope, error) {
	sel, err := store.AsSelector(q)
	if err != nil {
		return nil, err
	}

	args := []any{toNanos(since)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var b strings.Builder
	b.WriteString(selectEvents)
	b.WriteString(" WHERE created_at >= $1 AND (")
	for i, t := range sel.Types() {
		if i > 0 {
			b.WriteString(" OR ")
		}
		fmt.Fprintf(&b, "(namespace = %s AND type = %s)", next(t.Namespace), next(t.Type))
	}
	b.WriteString(")")
	for _, f := range sel.Filters() {
		fmt.Fprintf(&b, " AND data #> %s::text[] = %s::jsonb", next(f.Path), next(string(f.Value)))
	}
	b.WriteString(" ORDER BY created_at, seq")

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, domain.NewIOError("read events", err)
	}
	defer rows.Close()

	out := make([]domain.RawEnvelope, 0)
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewIOError("read events", err)
	}
	return out, nil
}

// LastEvent implements store.EventLog.
func (s *EventStore) LastEvent(ctx context.Context, t domain.EventType) (domain.RawEnvelope, error) {
	row := s.pool.QueryRow(ctx,
		selectEvents+` WHERE namespace = $1 AND type = $2 ORDER BY seq DESC LIMIT 1`,
		t.Namespace, t.Type,
	)
	env, err := scanEnvelope(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RawEnvelope{}, domain.ErrEventNotFound
	}
	return env, err
}

// Close implements store.EventLog. A pool passed to NewEventStoreFromPool
// is left open.
func (s *EventStore) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

func scanEnvelope(row pgx.Row) (domain.RawEnvelope, error) {
	var (
		namespace, typ, id string
		data, contextJSON  []byte
		createdAt          int64
	)
	if err := row.Scan(&namespace, &typ, &id, &data, &contextJSON, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RawEnvelope{}, err
		}
		return domain.RawEnvelope{}, domain.NewIOError("scan event", err)
	}

	eventID, err := uuid.Parse(id)
	if err != nil {
		return domain.RawEnvelope{}, domain.NewIOError("scan event", fmt.Errorf("invalid event id %q: %w", id, err))
	}

	env := domain.RawEnvelope{
		ID:   eventID,
		Type: domain.NewEventType(namespace, typ),
		Data: json.RawMessage(data),
	}
	if err := json.Unmarshal(contextJSON, &env.Context); err != nil {
		return domain.RawEnvelope{}, domain.NewIOError("scan event", fmt.Errorf("invalid context for %s: %w", id, err))
	}
	env.Context.Time = fromNanos(createdAt)
	return env, nil
}

// BIGINT nanoseconds keep watermarks exact; TIMESTAMPTZ stops at microseconds.
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
