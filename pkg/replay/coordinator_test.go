package replay_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/messaging"
	"github.com/plaenen/evstore/pkg/messaging/bustest"
	busmemory "github.com/plaenen/evstore/pkg/messaging/memory"
	"github.com/plaenen/evstore/pkg/replay"
	"github.com/plaenen/evstore/pkg/store"
	"github.com/plaenen/evstore/pkg/store/memory"
)

var (
	itemAdded = domain.NewEventType("inventory", "item_added")
	itemSold  = domain.NewEventType("inventory", "item_sold")
	t0        = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

var discard = slog.New(slog.DiscardHandler)

func seed(t *testing.T, log store.EventLog, et domain.EventType, times ...time.Time) []domain.RawEnvelope {
	t.Helper()
	var out []domain.RawEnvelope
	for i, at := range times {
		env := domain.RawEnvelope{
			ID:      uuid.New(),
			Type:    et,
			Data:    json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			Context: domain.Context{Time: at},
		}
		require.NoError(t, log.Append(context.Background(), env))
		out = append(out, env)
	}
	return out
}

func ids(envs []domain.RawEnvelope) []uuid.UUID {
	out := make([]uuid.UUID, len(envs))
	for i, e := range envs {
		out[i] = e.ID
	}
	return out
}

func startCoordinator(t *testing.T, nodeID string, log store.EventLog, bus messaging.EventBus) *replay.Coordinator {
	t.Helper()
	c := replay.NewCoordinator(nodeID, log, bus, replay.WithLogger(discard))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestReplayBetweenNodes(t *testing.T) {
	ctx := context.Background()
	bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
	defer bus.Close()

	logA := memory.NewEventLog()
	history := seed(t, logA, itemAdded, t0.Add(3*time.Second), t0.Add(time.Second), t0.Add(2*time.Second))
	seed(t, logA, itemSold, t0)

	startCoordinator(t, "node-a", logA, bus)
	b := startCoordinator(t, "node-b", memory.NewEventLog(), bus)

	var c bustest.Collector
	sub, err := bus.Subscribe(ctx, itemAdded.RoutingKey(), c.Handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Request(ctx, itemAdded))

	got := c.WaitLen(t, 3)
	want := []uuid.UUID{history[1].ID, history[2].ID, history[0].ID}
	assert.Equal(t, want, ids(got))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.Envelopes(), 3, "only the requested type is replayed")
}

func TestReplaySinceLocalLastEvent(t *testing.T) {
	ctx := context.Background()
	bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
	defer bus.Close()

	logA := memory.NewEventLog()
	history := seed(t, logA, itemAdded, t0, t0.Add(time.Second), t0.Add(2*time.Second))

	// Node B already holds the second event.
	logB := memory.NewEventLog()
	require.NoError(t, logB.Append(ctx, history[1]))

	startCoordinator(t, "node-a", logA, bus)
	b := startCoordinator(t, "node-b", logB, bus)

	var c bustest.Collector
	sub, err := bus.Subscribe(ctx, itemAdded.RoutingKey(), c.Handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Request(ctx, itemAdded))

	got := c.WaitLen(t, 2)
	assert.Equal(t, []uuid.UUID{history[1].ID, history[2].ID}, ids(got))
}

func TestOwnRequestsAreIgnored(t *testing.T) {
	ctx := context.Background()
	bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
	defer bus.Close()

	logA := memory.NewEventLog()
	seed(t, logA, itemAdded, t0)
	a := startCoordinator(t, "node-a", logA, bus)

	var requests, replayed bustest.Collector
	s1, err := bus.Subscribe(ctx, replay.ControlRoutingKey, requests.Handle)
	require.NoError(t, err)
	defer s1.Unsubscribe()
	s2, err := bus.Subscribe(ctx, itemAdded.RoutingKey(), replayed.Handle)
	require.NoError(t, err)
	defer s2.Unsubscribe()

	require.NoError(t, a.Request(ctx, itemAdded))

	got := requests.WaitLen(t, 1)
	req, err := domain.Decode[replay.Request](got[0])
	require.NoError(t, err)
	assert.Equal(t, "node-a", req.Data.Origin)
	assert.Equal(t, itemAdded, req.Data.Requested())
	assert.True(t, t0.Equal(req.Data.Since))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, replayed.Envelopes())
}

func TestReplayAbortsOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	log := memory.NewEventLog()
	seed(t, log, itemAdded, t0, t0.Add(time.Second), t0.Add(2*time.Second))

	bus := &failingBus{EventBus: busmemory.NewEventBus(), failAfter: 1}
	defer bus.Close()
	c := replay.NewCoordinator("node-a", log, bus, replay.WithLogger(discard))

	published, err := c.Replay(ctx, itemAdded, time.Time{})
	require.Error(t, err)
	assert.Equal(t, 1, published)
	assert.ErrorIs(t, err, domain.ErrReplayAborted)

	var abort *domain.ReplayAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, itemAdded, abort.Type)
	assert.Equal(t, 1, abort.Published)
	assert.Equal(t, 2, bus.attempts(), "no retry after the failure")
	assert.Equal(t, replay.Idle, c.State())
}

func TestCoordinatorState(t *testing.T) {
	ctx := context.Background()
	log := memory.NewEventLog()
	seed(t, log, itemAdded, t0)

	var c *replay.Coordinator
	var seen []replay.State
	bus := &failingBus{EventBus: busmemory.NewEventBus(), failAfter: -1, onPublish: func() {
		seen = append(seen, c.State())
	}}
	defer bus.Close()
	c = replay.NewCoordinator("node-a", log, bus, replay.WithLogger(discard))

	assert.Equal(t, replay.Idle, c.State())

	require.NoError(t, c.Request(ctx, itemAdded))
	_, err := c.Replay(ctx, itemAdded, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, []replay.State{replay.ReplayRequested, replay.Replaying}, seen)
	assert.Equal(t, replay.Idle, c.State())
	assert.Equal(t, "replaying", replay.Replaying.String())
}

func TestCoordinatorState_RequestDuringReplay(t *testing.T) {
	ctx := context.Background()
	log := memory.NewEventLog()
	seed(t, log, itemAdded, t0, t0.Add(time.Second))

	var (
		c      *replay.Coordinator
		nested bool
		during []replay.State
	)
	bus := &failingBus{EventBus: busmemory.NewEventBus(), failAfter: -1, onPublish: func() {
		if nested || c.State() != replay.Replaying {
			return
		}
		nested = true
		require.NoError(t, c.Request(ctx, itemSold))
		during = append(during, c.State())
	}}
	defer bus.Close()
	c = replay.NewCoordinator("node-a", log, bus, replay.WithLogger(discard))

	published, err := c.Replay(ctx, itemAdded, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, published)
	assert.Equal(t, []replay.State{replay.Replaying}, during, "a finished request must not hide the running replay")
	assert.Equal(t, replay.Idle, c.State())
}

func TestStartTwice(t *testing.T) {
	bus := busmemory.NewEventBus()
	defer bus.Close()
	c := replay.NewCoordinator("node-a", memory.NewEventLog(), bus)

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestRequestRejectsInvalidType(t *testing.T) {
	bus := busmemory.NewEventBus()
	defer bus.Close()
	c := replay.NewCoordinator("node-a", memory.NewEventLog(), bus)

	err := c.Request(context.Background(), domain.NewEventType("bad.ns", "x"))
	assert.ErrorIs(t, err, domain.ErrInvalidEventType)
}

// failingBus fails every publish after failAfter successful ones; a
// negative failAfter never fails.
type failingBus struct {
	messaging.EventBus
	failAfter int
	onPublish func()

	mu    sync.Mutex
	count int
}

func (b *failingBus) Publish(ctx context.Context, routingKey string, env domain.RawEnvelope) error {
	if b.onPublish != nil {
		b.onPublish()
	}
	b.mu.Lock()
	b.count++
	n := b.count
	b.mu.Unlock()
	if b.failAfter >= 0 && n > b.failAfter {
		return domain.NewIOError("publish", errors.New("broker unavailable"))
	}
	return b.EventBus.Publish(ctx, routingKey, env)
}

func (b *failingBus) attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
