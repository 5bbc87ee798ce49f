package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a cached aggregate state together with its watermark.
// Every event matching the snapshot's query with a time before Watermark
// has been folded into State; of the events exactly at Watermark, those
// listed in Boundary have been folded.
type Snapshot struct {
	State     json.RawMessage `json:"state"`
	Watermark time.Time       `json:"watermark"`
	Boundary  []uuid.UUID     `json:"boundary,omitempty"`
}

// Folded reports whether the event id at time t is already part of State.
func (s *Snapshot) Folded(id uuid.UUID, t time.Time) bool {
	if s == nil {
		return false
	}
	if t.Before(s.Watermark) {
		return true
	}
	if !t.Equal(s.Watermark) {
		return false
	}
	for _, b := range s.Boundary {
		if b == id {
			return true
		}
	}
	return false
}

// SnapshotCache stores snapshots keyed by CacheKey. No atomicity is required
// between Get and a later Set; the last write wins.
type SnapshotCache interface {
	// Get returns the snapshot for key or domain.ErrSnapshotNotFound.
	Get(ctx context.Context, key string) (*Snapshot, error)

	// Set upserts the snapshot for key.
	Set(ctx context.Context, key string, snapshot *Snapshot) error

	// Delete drops the snapshot for key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// CacheKey derives the snapshot key for an entity's query. The entity name
// keeps reducers with equal queries but different state types apart.
func CacheKey(entity string, q Query) string {
	return entity + ":" + q.UniqueID()
}
