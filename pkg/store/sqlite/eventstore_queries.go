package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/store"
)

const selectEvents = `SELECT namespace, type, id, data, context, created_at FROM events`

// ReadSince implements store.EventLog.
func (s *EventStore) ReadSince(ctx context.Context, q store.Query, since time.Time) ([]domain.RawEnvelope, error) {
	where, args, err := selectorClause(q)
	if err != nil {
		return nil, err
	}

	query := selectEvents + " WHERE created_at >= ? AND " + where + " ORDER BY created_at, seq"
	args = append([]any{toNanos(since)}, args...)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		selectEvents+` WHERE namespace = ? AND type = ? ORDER BY seq DESC LIMIT 1`,
		t.Namespace, t.Type,
	)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RawEnvelope{}, domain.ErrEventNotFound
	}
	return env, err
}

// selectorClause renders a selector as a WHERE fragment. Types are OR-ed,
// field filters are AND-ed and compare the JSON text of the field.
func selectorClause(q store.Query) (string, []any, error) {
	sel, err := store.AsSelector(q)
	if err != nil {
		return "", nil, err
	}

	var (
		b    strings.Builder
		args []any
	)

	b.WriteString("(")
	for i, t := range sel.Types() {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(namespace = ? AND type = ?)")
		args = append(args, t.Namespace, t.Type)
	}
	b.WriteString(")")

	for _, f := range sel.Filters() {
		path, err := jsonPath(f.Path)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" AND (data -> ?) = ?")
		args = append(args, path, string(f.Value))
	}

	return b.String(), args, nil
}

func jsonPath(segments []string) (string, error) {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range segments {
		if strings.ContainsAny(seg, `"\`) {
			return "", fmt.Errorf("%w: field name %q cannot be addressed in SQLite", domain.ErrUnsupportedQuery, seg)
		}
		b.WriteString(`."`)
		b.WriteString(seg)
		b.WriteString(`"`)
	}
	return b.String(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row scanner) (domain.RawEnvelope, error) {
	var (
		namespace, typ, id string
		data, contextJSON  string
		createdAt          int64
	)
	if err := row.Scan(&namespace, &typ, &id, &data, &contextJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if err := json.Unmarshal([]byte(contextJSON), &env.Context); err != nil {
		return domain.RawEnvelope{}, domain.NewIOError("scan event", fmt.Errorf("invalid context for %s: %w", id, err))
	}
	env.Context.Time = fromNanos(createdAt)
	return env, nil
}
