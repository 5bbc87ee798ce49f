package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/store"
)

// SnapshotCache implements store.SnapshotCache on the snapshots table
// created by EventStore.Migrate.
type SnapshotCache struct {
	pool *pgxpool.Pool
}

// NewSnapshotCache creates a snapshot cache on pool.
func NewSnapshotCache(pool *pgxpool.Pool) *SnapshotCache {
	return &SnapshotCache{pool: pool}
}

// Get implements store.SnapshotCache.
func (c *SnapshotCache) Get(ctx context.Context, key string) (*store.Snapshot, error) {
	var (
		state, boundary []byte
		watermark       int64
	)
	err := c.pool.QueryRow(ctx,
		`SELECT state, watermark, boundary FROM snapshots WHERE cache_key = $1`, key,
	).Scan(&state, &watermark, &boundary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, domain.NewIOError("get snapshot", err)
	}

	snap := &store.Snapshot{
		State:     json.RawMessage(state),
		Watermark: fromNanos(watermark),
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(boundary, &ids); err != nil {
		return nil, domain.NewIOError("get snapshot", fmt.Errorf("invalid boundary for %s: %w", key, err))
	}
	if len(ids) > 0 {
		snap.Boundary = ids
	}
	return snap, nil
}

// Set implements store.SnapshotCache.
func (c *SnapshotCache) Set(ctx context.Context, key string, snapshot *store.Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot is nil")
	}

	boundary := snapshot.Boundary
	if boundary == nil {
		boundary = []uuid.UUID{}
	}
	boundaryJSON, err := json.Marshal(boundary)
	if err != nil {
		return fmt.Errorf("failed to encode boundary: %w", err)
	}

	_, err = c.pool.Exec(ctx, `
		INSERT INTO snapshots (cache_key, state, watermark, boundary, updated_at)
		VALUES ($1, $2::jsonb, $3, $4::jsonb, now())
		ON CONFLICT (cache_key) DO UPDATE SET
			state = EXCLUDED.state,
			watermark = EXCLUDED.watermark,
			boundary = EXCLUDED.boundary,
			updated_at = EXCLUDED.updated_at`,
		key, string(snapshot.State), toNanos(snapshot.Watermark), string(boundaryJSON),
	)
	if err != nil {
		return domain.NewIOError("set snapshot", err)
	}
	return nil
}

// Delete implements store.SnapshotCache.
func (c *SnapshotCache) Delete(ctx context.Context, key string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM snapshots WHERE cache_key = $1`, key); err != nil {
		return domain.NewIOError("delete snapshot", err)
	}
	return nil
}

var _ store.SnapshotCache = (*SnapshotCache)(nil)
