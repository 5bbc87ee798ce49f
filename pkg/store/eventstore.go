package store

import (
	"context"
	"time"

	"github.com/plaenen/evstore/pkg/domain"
)

// EventLog is the append-only event log a store instance owns.
type EventLog interface {
	// Append durably stores one envelope. Appending an envelope whose
	// (namespace, type, id) already exists is a no-op.
	// Safe for concurrent use.
	Append(ctx context.Context, env domain.RawEnvelope) error

	// ReadSince returns the envelopes matching q created at or after since,
	// ascending by Context.Time with ties in insertion order. A zero since
	// reads the whole history. The boundary is inclusive so an event created
	// in the same instant as a watermark is never lost.
	ReadSince(ctx context.Context, q Query, since time.Time) ([]domain.RawEnvelope, error)

	// LastEvent returns the most recently appended envelope of type t, or
	// domain.ErrEventNotFound.
	LastEvent(ctx context.Context, t domain.EventType) (domain.RawEnvelope, error)

	// Close releases resources.
	Close() error
}
