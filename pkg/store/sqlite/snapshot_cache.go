package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/store"
)

// SnapshotCache implements store.SnapshotCache on a SQLite table.
type SnapshotCache struct {
	db *sql.DB
}

type snapshotCacheConfig struct {
	autoMigrate bool
}

// SnapshotCacheOption configures a SnapshotCache.
type SnapshotCacheOption func(*snapshotCacheConfig)

// WithSnapshotAutoMigrate enables automatic migration of the snapshot table.
// Enabled by default.
func WithSnapshotAutoMigrate(enabled bool) SnapshotCacheOption {
	return func(c *snapshotCacheConfig) {
		c.autoMigrate = enabled
	}
}

// NewSnapshotCache creates a snapshot cache on db. The handle may be shared
// with an EventStore via EventStore.DB.
func NewSnapshotCache(ctx context.Context, db *sql.DB, opts ...SnapshotCacheOption) (*SnapshotCache, error) {
	config := snapshotCacheConfig{autoMigrate: true}
	for _, opt := range opts {
		opt(&config)
	}

	if config.autoMigrate {
		if err := runSnapshotMigrations(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to run snapshot migrations: %w", err)
		}
	}
	return &SnapshotCache{db: db}, nil
}

// Get implements store.SnapshotCache.
func (c *SnapshotCache) Get(ctx context.Context, key string) (*store.Snapshot, error) {
	var (
		state, boundary string
		watermark       int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT state, watermark, boundary FROM snapshots WHERE cache_key = ?`, key,
	).Scan(&state, &watermark, &boundary)
	if errors.Is(err, sql.ErrNoRows) {
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
	if err := json.Unmarshal([]byte(boundary), &ids); err != nil {
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

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO snapshots (cache_key, state, watermark, boundary, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			state = excluded.state,
			watermark = excluded.watermark,
			boundary = excluded.boundary,
			updated_at = excluded.updated_at`,
		key, string(snapshot.State), toNanos(snapshot.Watermark), string(boundaryJSON), domain.Now().UnixNano(),
	)
	if err != nil {
		return domain.NewIOError("set snapshot", err)
	}
	return nil
}

// Delete implements store.SnapshotCache. The next aggregation for key
// rebuilds from the full history.
func (c *SnapshotCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM snapshots WHERE cache_key = ?`, key); err != nil {
		return domain.NewIOError("delete snapshot", err)
	}
	return nil
}

var _ store.SnapshotCache = (*SnapshotCache)(nil)
