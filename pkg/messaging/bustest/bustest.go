// Package bustest holds conformance tests shared by every event bus.
package bustest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/messaging"
)

const waitFor = 5 * time.Second

// Collector records delivered envelopes.
type Collector struct {
	mu   sync.Mutex
	envs []domain.RawEnvelope
}

// Handle is a messaging.Handler.
func (c *Collector) Handle(_ context.Context, env domain.RawEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

// Envelopes returns a copy of what was delivered so far.
func (c *Collector) Envelopes() []domain.RawEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.RawEnvelope(nil), c.envs...)
}

// WaitLen blocks until n envelopes arrived or the test deadline passes.
func (c *Collector) WaitLen(t *testing.T, n int) []domain.RawEnvelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.Envelopes()) >= n
	}, waitFor, 5*time.Millisecond, "expected %d deliveries", n)
	return c.Envelopes()
}

func envelope(t domain.EventType, n int) domain.RawEnvelope {
	return domain.RawEnvelope{
		ID:      uuid.New(),
		Type:    t,
		Data:    json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
		Context: domain.Context{Time: domain.Now()},
	}
}

// RunEventBusTests exercises the messaging.EventBus contract. newBus must
// return a fresh bus; the test closes it.
func RunEventBusTests(t *testing.T, newBus func(t *testing.T) messaging.EventBus) {
	ctx := context.Background()
	created := domain.NewEventType("bustest", "created")
	deleted := domain.NewEventType("bustest", "deleted")

	t.Run("delivers in publish order", func(t *testing.T) {
		bus := newBus(t)
		defer bus.Close()

		var c Collector
		sub, err := bus.Subscribe(ctx, created.RoutingKey(), c.Handle)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		var want []uuid.UUID
		for i := 0; i < 20; i++ {
			env := envelope(created, i)
			want = append(want, env.ID)
			require.NoError(t, bus.Publish(ctx, created.RoutingKey(), env))
		}

		got := c.WaitLen(t, len(want))
		gotIDs := make([]uuid.UUID, len(got))
		for i, e := range got {
			gotIDs[i] = e.ID
		}
		assert.Equal(t, want, gotIDs)
		assert.Equal(t, created, got[0].Type)
		assert.JSONEq(t, `{"n":0}`, string(got[0].Data))
	})

	t.Run("routing keys are isolated", func(t *testing.T) {
		bus := newBus(t)
		defer bus.Close()

		var onCreated, onDeleted Collector
		s1, err := bus.Subscribe(ctx, created.RoutingKey(), onCreated.Handle)
		require.NoError(t, err)
		defer s1.Unsubscribe()
		s2, err := bus.Subscribe(ctx, deleted.RoutingKey(), onDeleted.Handle)
		require.NoError(t, err)
		defer s2.Unsubscribe()

		require.NoError(t, bus.Publish(ctx, deleted.RoutingKey(), envelope(deleted, 1)))

		onDeleted.WaitLen(t, 1)
		// Give a misrouted delivery a chance to show up.
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, onCreated.Envelopes())
	})

	t.Run("fans out to every subscriber", func(t *testing.T) {
		bus := newBus(t)
		defer bus.Close()

		var a, b Collector
		s1, err := bus.Subscribe(ctx, created.RoutingKey(), a.Handle)
		require.NoError(t, err)
		defer s1.Unsubscribe()
		s2, err := bus.Subscribe(ctx, created.RoutingKey(), b.Handle)
		require.NoError(t, err)
		defer s2.Unsubscribe()

		require.NoError(t, bus.Publish(ctx, created.RoutingKey(), envelope(created, 1)))

		a.WaitLen(t, 1)
		b.WaitLen(t, 1)
	})

	t.Run("handler errors do not stop the listener", func(t *testing.T) {
		bus := newBus(t)
		defer bus.Close()

		var c Collector
		calls := 0
		sub, err := bus.Subscribe(ctx, created.RoutingKey(), func(ctx context.Context, env domain.RawEnvelope) error {
			calls++
			if calls == 1 {
				return errors.New("boom")
			}
			return c.Handle(ctx, env)
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, bus.Publish(ctx, created.RoutingKey(), envelope(created, 1)))
		require.NoError(t, bus.Publish(ctx, created.RoutingKey(), envelope(created, 2)))

		got := c.WaitLen(t, 1)
		assert.JSONEq(t, `{"n":2}`, string(got[0].Data))
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		bus := newBus(t)
		defer bus.Close()

		var stopped, live Collector
		sub, err := bus.Subscribe(ctx, created.RoutingKey(), stopped.Handle)
		require.NoError(t, err)
		other, err := bus.Subscribe(ctx, created.RoutingKey(), live.Handle)
		require.NoError(t, err)
		defer other.Unsubscribe()

		require.NoError(t, sub.Unsubscribe())
		require.NoError(t, bus.Publish(ctx, created.RoutingKey(), envelope(created, 1)))

		live.WaitLen(t, 1)
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, stopped.Envelopes())
	})
}
