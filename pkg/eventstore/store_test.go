package eventstore_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/evstore/pkg/aggregate"
	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/eventstore"
	"github.com/plaenen/evstore/pkg/messaging/bustest"
	busmemory "github.com/plaenen/evstore/pkg/messaging/memory"
	"github.com/plaenen/evstore/pkg/middleware"
	"github.com/plaenen/evstore/pkg/store"
	"github.com/plaenen/evstore/pkg/store/memory"
)

type noteAdded struct {
	Text string `json:"text"`
}

func (noteAdded) EventType() domain.EventType {
	return domain.NewEventType("notes", "added")
}

var discard = slog.New(slog.DiscardHandler)

type received struct {
	mu   sync.Mutex
	envs []domain.Envelope[noteAdded]
}

func (r *received) handle(_ context.Context, env domain.Envelope[noteAdded]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *received) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, e := range r.envs {
		out[i] = e.Data.Text
	}
	return out
}

func (r *received) waitLen(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.texts()) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return r.texts()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingLog struct {
	store.EventLog
}

func (failingLog) Append(context.Context, domain.RawEnvelope) error {
	return domain.NewIOError("append", errors.New("disk full"))
}

func newStore(t *testing.T, log store.EventLog, bus *busmemory.EventBus, nodeID string) *eventstore.Store {
	t.Helper()
	s := eventstore.New(log, bus, eventstore.WithNodeID(nodeID), eventstore.WithLogger(discard))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSave(t *testing.T) {
	ctx := context.Background()

	t.Run("appends and publishes", func(t *testing.T) {
		bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
		defer bus.Close()
		log := memory.NewEventLog()
		s := newStore(t, log, bus, "node-a")

		var c bustest.Collector
		_, err := bus.Subscribe(ctx, noteAdded{}.EventType().RoutingKey(), c.Handle)
		require.NoError(t, err)

		env, err := eventstore.Save(ctx, s, noteAdded{Text: "hello"}, domain.WithAction("create"))
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, env.ID)
		assert.Equal(t, "create", env.Context.Action)

		got := c.WaitLen(t, 1)
		assert.Equal(t, env.ID, got[0].ID)
		assert.JSONEq(t, `{"text":"hello"}`, string(got[0].Data))

		last, err := log.LastEvent(ctx, noteAdded{}.EventType())
		require.NoError(t, err)
		assert.Equal(t, env.ID, last.ID)
	})

	t.Run("append failure publishes nothing", func(t *testing.T) {
		bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
		defer bus.Close()
		s := newStore(t, failingLog{memory.NewEventLog()}, bus, "node-a")

		var c bustest.Collector
		_, err := bus.Subscribe(ctx, noteAdded{}.EventType().RoutingKey(), c.Handle)
		require.NoError(t, err)

		_, err = eventstore.Save(ctx, s, noteAdded{Text: "lost"})
		require.ErrorIs(t, err, domain.ErrIO)

		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, c.Envelopes())
	})

	t.Run("publish failure keeps the event durable", func(t *testing.T) {
		bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
		log := memory.NewEventLog()
		s := eventstore.New(log, bus, eventstore.WithLogger(discard))
		require.NoError(t, bus.Close())

		env, err := eventstore.Save(ctx, s, noteAdded{Text: "kept"})
		require.ErrorIs(t, err, domain.ErrClosed)
		assert.Contains(t, err.Error(), "appended but not published")

		last, err := log.LastEvent(ctx, noteAdded{}.EventType())
		require.NoError(t, err)
		assert.Equal(t, env.ID, last.ID)
	})
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers typed envelopes", func(t *testing.T) {
		bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
		defer bus.Close()
		s := newStore(t, memory.NewEventLog(), bus, "node-a")

		var r received
		sub, err := eventstore.Subscribe(ctx, s, eventstore.SubscribeOptions{}, r.handle)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		for _, text := range []string{"a", "b", "c"} {
			_, err := eventstore.Save(ctx, s, noteAdded{Text: text})
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"a", "b", "c"}, r.waitLen(t, 3))
	})

	t.Run("replays history from a peer", func(t *testing.T) {
		bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
		defer bus.Close()
		remote := newStore(t, memory.NewEventLog(), bus, "node-remote")
		localLog := memory.NewEventLog()
		local := newStore(t, localLog, bus, "node-local")

		for _, text := range []string{"one", "two", "three"} {
			_, err := eventstore.Save(ctx, remote, noteAdded{Text: text})
			require.NoError(t, err)
		}

		var r received
		_, err := eventstore.Subscribe(ctx, local, eventstore.SubscribeOptions{
			ReplayPreviousEvents: true,
			SaveOnReceive:        true,
		}, r.handle)
		require.NoError(t, err)

		assert.Equal(t, []string{"one", "two", "three"}, r.waitLen(t, 3))
		require.Eventually(t, func() bool { return localLog.Len() == 3 }, 5*time.Second, 5*time.Millisecond)

		_, err = eventstore.Save(ctx, remote, noteAdded{Text: "live"})
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two", "three", "live"}, r.waitLen(t, 4))
	})

	t.Run("skips undecodable envelopes", func(t *testing.T) {
		bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
		defer bus.Close()
		s := newStore(t, memory.NewEventLog(), bus, "node-a")

		var r received
		_, err := eventstore.Subscribe(ctx, s, eventstore.SubscribeOptions{}, r.handle)
		require.NoError(t, err)

		bad := domain.RawEnvelope{
			ID:      uuid.New(),
			Type:    noteAdded{}.EventType(),
			Data:    json.RawMessage(`{"text":`),
			Context: domain.Context{Time: time.Now()},
		}
		require.NoError(t, bus.Publish(ctx, bad.Type.RoutingKey(), bad))
		_, err = eventstore.Save(ctx, s, noteAdded{Text: "good"})
		require.NoError(t, err)

		assert.Equal(t, []string{"good"}, r.waitLen(t, 1))
	})

	t.Run("handler errors do not stop delivery", func(t *testing.T) {
		bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
		defer bus.Close()
		s := newStore(t, memory.NewEventLog(), bus, "node-a")

		var r received
		_, err := eventstore.Subscribe(ctx, s, eventstore.SubscribeOptions{},
			func(ctx context.Context, env domain.Envelope[noteAdded]) error {
				r.handle(ctx, env)
				return errors.New("rejected")
			})
		require.NoError(t, err)

		for _, text := range []string{"x", "y"} {
			_, err := eventstore.Save(ctx, s, noteAdded{Text: text})
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"x", "y"}, r.waitLen(t, 2))
	})

	t.Run("handler panics do not stop delivery", func(t *testing.T) {
		bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
		defer bus.Close()
		s := newStore(t, memory.NewEventLog(), bus, "node-a")

		var r received
		_, err := eventstore.Subscribe(ctx, s, eventstore.SubscribeOptions{},
			func(ctx context.Context, env domain.Envelope[noteAdded]) error {
				if env.Data.Text == "bad" {
					panic("cannot handle")
				}
				return r.handle(ctx, env)
			})
		require.NoError(t, err)

		for _, text := range []string{"bad", "fine"} {
			_, err := eventstore.Save(ctx, s, noteAdded{Text: text})
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"fine"}, r.waitLen(t, 1))
	})

	t.Run("runs caller middleware", func(t *testing.T) {
		bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
		defer bus.Close()
		s := newStore(t, memory.NewEventLog(), bus, "node-a")

		var out syncBuffer
		logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

		var r received
		_, err := eventstore.Subscribe(ctx, s, eventstore.SubscribeOptions{
			Middleware: []middleware.Middleware{middleware.Logging(logger)},
		}, r.handle)
		require.NoError(t, err)

		env, err := eventstore.Save(ctx, s, noteAdded{Text: "logged"})
		require.NoError(t, err)
		r.waitLen(t, 1)
		require.Eventually(t, func() bool {
			return strings.Contains(out.String(), "event handled")
		}, 5*time.Second, 5*time.Millisecond)
		assert.Contains(t, out.String(), env.ID.String())
	})

	t.Run("close ends subscriptions", func(t *testing.T) {
		bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
		defer bus.Close()
		s := eventstore.New(memory.NewEventLog(), bus, eventstore.WithLogger(discard))
		require.NoError(t, s.Start(ctx))

		var r received
		_, err := eventstore.Subscribe(ctx, s, eventstore.SubscribeOptions{}, r.handle)
		require.NoError(t, err)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		require.NoError(t, bus.Publish(ctx, noteAdded{}.EventType().RoutingKey(), domain.RawEnvelope{
			ID:      uuid.New(),
			Type:    noteAdded{}.EventType(),
			Data:    json.RawMessage(`{"text":"late"}`),
			Context: domain.Context{Time: time.Now()},
		}))
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, r.texts())

		_, err = eventstore.Subscribe(ctx, s, eventstore.SubscribeOptions{}, r.handle)
		assert.ErrorIs(t, err, domain.ErrClosed)
	})
}

type contactAdded struct {
	Name  string `json:"name" valid:"required"`
	Email string `json:"email" valid:"email"`
}

func (contactAdded) EventType() domain.EventType {
	return domain.NewEventType("contacts", "added")
}

func TestSave_PayloadValidation(t *testing.T) {
	ctx := context.Background()
	bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
	defer bus.Close()
	log := memory.NewEventLog()
	s := eventstore.New(log, bus, eventstore.WithLogger(discard), eventstore.WithPayloadValidation())

	_, err := eventstore.Save(ctx, s, contactAdded{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	_, err = eventstore.Save(ctx, s, contactAdded{Email: "ada@example.com"})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = eventstore.Save(ctx, s, contactAdded{Name: "Ada", Email: "not-an-address"})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	assert.Equal(t, 1, log.Len())
}

type noteCount struct {
	Count int
}

func TestNewEngine(t *testing.T) {
	ctx := context.Background()
	bus := busmemory.NewEventBus(busmemory.WithLogger(discard))
	defer bus.Close()
	s := newStore(t, memory.NewEventLog(), bus, "node-a")

	events := domain.Register[noteAdded, noteAdded](domain.NewEventSet[noteAdded]())
	engine := eventstore.NewEngine(s, "note_count",
		aggregate.Funcs[noteCount, noteAdded, struct{}]{
			ApplyFunc: func(state noteCount, _ noteAdded) noteCount {
				state.Count++
				return state
			},
			QueryFunc: func(struct{}) store.Query {
				return store.ByType(noteAdded{}.EventType())
			},
		},
		events,
		memory.NewSnapshotCache(),
	)

	for range 4 {
		_, err := eventstore.Save(ctx, s, noteAdded{Text: "n"})
		require.NoError(t, err)
	}

	state, err := engine.Aggregate(ctx, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, 4, state.Count)
}
