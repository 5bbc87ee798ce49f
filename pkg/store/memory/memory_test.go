package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/store"
	"github.com/plaenen/evstore/pkg/store/memory"
	"github.com/plaenen/evstore/pkg/store/storetest"
)

func TestEventLog(t *testing.T) {
	storetest.RunEventLogTests(t, func(t *testing.T) store.EventLog {
		return memory.NewEventLog()
	})
}

func TestSnapshotCache(t *testing.T) {
	storetest.RunSnapshotCacheTests(t, func(t *testing.T) store.SnapshotCache {
		return memory.NewSnapshotCache()
	})
}

func TestEventLogClosed(t *testing.T) {
	ctx := context.Background()
	log := memory.NewEventLog()
	require.NoError(t, log.Close())

	err := log.Append(ctx, storetest.Envelope(domain.NewEventType("closed", "x"), time.Now(), `{}`))
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestSnapshotCacheIsolation(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewSnapshotCache()

	snap := &store.Snapshot{State: []byte(`{"v":1}`), Watermark: time.Now()}
	require.NoError(t, cache.Set(ctx, "k", snap))
	snap.State[0] = 'x'

	got, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(got.State))
}
