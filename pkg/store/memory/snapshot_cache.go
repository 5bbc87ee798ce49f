package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/store"
)

// SnapshotCache is an in-memory store.SnapshotCache.
type SnapshotCache struct {
	mu        sync.RWMutex
	snapshots map[string]store.Snapshot
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{snapshots: make(map[string]store.Snapshot)}
}

// Get implements store.SnapshotCache.
func (c *SnapshotCache) Get(ctx context.Context, key string) (*store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.snapshots[key]
	if !ok {
		return nil, domain.ErrSnapshotNotFound
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

// Set implements store.SnapshotCache.
func (c *SnapshotCache) Set(ctx context.Context, key string, snapshot *store.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshots[key] = cloneSnapshot(*snapshot)
	return nil
}

// Delete implements store.SnapshotCache.
func (c *SnapshotCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, key)
	return nil
}

func cloneSnapshot(s store.Snapshot) store.Snapshot {
	s.State = append([]byte(nil), s.State...)
	s.Boundary = append([]uuid.UUID(nil), s.Boundary...)
	return s
}

var _ store.SnapshotCache = (*SnapshotCache)(nil)
