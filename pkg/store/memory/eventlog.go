// Package memory provides in-process implementations of the store contracts.
// They are safe for concurrent use and intended for tests and single-process
// deployments where durability is not required.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/store"
)

type entryKey struct {
	eventType domain.EventType
	id        uuid.UUID
}

type entry struct {
	seq int64
	env domain.RawEnvelope
}

// EventLog is an in-memory store.EventLog.
type EventLog struct {
	mu      sync.RWMutex
	entries []entry
	index   map[entryKey]struct{}
	last    map[domain.EventType]int
	seq     int64
	closed  bool
}

// NewEventLog creates an empty log.
func NewEventLog() *EventLog {
	return &EventLog{
		index: make(map[entryKey]struct{}),
		last:  make(map[domain.EventType]int),
	}
}

// Append implements store.EventLog.
func (l *EventLog) Append(ctx context.Context, env domain.RawEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := env.Type.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return domain.ErrClosed
	}

	key := entryKey{eventType: env.Type, id: env.ID}
	if _, exists := l.index[key]; exists {
		return nil
	}

	l.seq++
	l.index[key] = struct{}{}
	l.entries = append(l.entries, entry{seq: l.seq, env: cloneEnvelope(env)})
	l.last[env.Type] = len(l.entries) - 1
	return nil
}

// ReadSince implements store.EventLog.
func (l *EventLog) ReadSince(ctx context.Context, q store.Query, since time.Time) ([]domain.RawEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sel, err := store.AsSelector(q)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, domain.ErrClosed
	}
	matched := make([]entry, 0)
	for _, e := range l.entries {
		if e.env.Context.Time.Before(since) {
			continue
		}
		if sel.Matches(e.env) {
			matched = append(matched, e)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		ti, tj := matched[i].env.Context.Time, matched[j].env.Context.Time
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return matched[i].seq < matched[j].seq
	})

	out := make([]domain.RawEnvelope, len(matched))
	for i, e := range matched {
		out[i] = cloneEnvelope(e.env)
	}
	return out, nil
}

// LastEvent implements store.EventLog.
func (l *EventLog) LastEvent(ctx context.Context, t domain.EventType) (domain.RawEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return domain.RawEnvelope{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return domain.RawEnvelope{}, domain.ErrClosed
	}
	idx, ok := l.last[t]
	if !ok {
		return domain.RawEnvelope{}, domain.ErrEventNotFound
	}
	return cloneEnvelope(l.entries[idx].env), nil
}

// Len returns the number of stored envelopes.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close implements store.EventLog.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func cloneEnvelope(env domain.RawEnvelope) domain.RawEnvelope {
	env.Data = append([]byte(nil), env.Data...)
	if env.Context.Subject != nil {
		env.Context.Subject = append([]byte(nil), env.Context.Subject...)
	}
	return env
}

var _ store.EventLog = (*EventLog)(nil)
