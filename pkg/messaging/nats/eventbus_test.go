package nats_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/evstore/pkg/domain"
	natsserver "github.com/plaenen/evstore/pkg/infrastructure/nats"
	"github.com/plaenen/evstore/pkg/messaging"
	"github.com/plaenen/evstore/pkg/messaging/bustest"
	natsbus "github.com/plaenen/evstore/pkg/messaging/nats"
	"github.com/plaenen/evstore/pkg/security/credentials"
)

func startServer(t *testing.T) *natsserver.EmbeddedServer {
	t.Helper()
	srv, err := natsserver.StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func newBus(t *testing.T, url string, prefix string) *natsbus.EventBus {
	t.Helper()
	config := natsbus.DefaultConfig()
	config.URL = url
	config.SubjectPrefix = prefix
	bus, err := natsbus.NewEventBus(context.Background(), config)
	require.NoError(t, err)
	return bus
}

func TestEmbeddedNATSEventBus(t *testing.T) {
	srv := startServer(t)

	bustest.RunEventBusTests(t, func(t *testing.T) messaging.EventBus {
		return newBus(t, srv.URL(), "")
	})
}

func TestEventBusAcrossConnections(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)

	publisher := newBus(t, srv.URL(), "evstore.")
	defer publisher.Close()
	subscriber := newBus(t, srv.URL(), "evstore.")
	defer subscriber.Close()

	var c bustest.Collector
	sub, err := subscriber.Subscribe(ctx, "orders.placed", c.Handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	env := domain.RawEnvelope{
		ID:      uuid.New(),
		Type:    domain.NewEventType("orders", "placed"),
		Data:    []byte(`{"order":"o-1"}`),
		Context: domain.Context{Action: "place", Time: domain.Now()},
	}
	require.NoError(t, publisher.Publish(ctx, "orders.placed", env))

	got := c.WaitLen(t, 1)
	assert.Equal(t, env.ID, got[0].ID)
	assert.Equal(t, "place", got[0].Context.Action)
	assert.True(t, env.Context.Time.Equal(got[0].Context.Time))
}

func TestSubjectPrefixIsolatesBuses(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)

	a := newBus(t, srv.URL(), "tenant-a.")
	defer a.Close()
	b := newBus(t, srv.URL(), "tenant-b.")
	defer b.Close()

	var c bustest.Collector
	sub, err := b.Subscribe(ctx, "orders.placed", c.Handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, a.Publish(ctx, "orders.placed", domain.RawEnvelope{ID: uuid.New()}))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, c.Envelopes())
}

func TestConnectFailure(t *testing.T) {
	config := natsbus.DefaultConfig()
	config.URL = "nats://127.0.0.1:1"
	config.ConnectAttempts = 2
	config.ConnectTimeout = 100 * time.Millisecond

	_, err := natsbus.NewEventBus(context.Background(), config)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIO)
}

func TestPublishAfterClose(t *testing.T) {
	srv := startServer(t)
	bus := newBus(t, srv.URL(), "")
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), "x.y", domain.RawEnvelope{ID: uuid.New()})
	assert.ErrorIs(t, err, domain.ErrClosed)

	_, err = bus.Subscribe(context.Background(), "x.y", func(context.Context, domain.RawEnvelope) error { return nil })
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	srv, err := natsserver.StartEmbeddedServer(natsserver.WithAuthToken("s3cret"))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	config := natsbus.DefaultConfig()
	config.URL = srv.URL()
	config.ConnectAttempts = 3

	t.Run("accepted", func(t *testing.T) {
		bus, err := natsbus.NewEventBus(ctx, config,
			natsbus.WithCredentials(credentials.NewStaticTokenProvider("s3cret", 0)))
		require.NoError(t, err)
		defer bus.Close()
		assert.True(t, bus.Conn().IsConnected())
	})

	t.Run("rejected without retrying", func(t *testing.T) {
		start := time.Now()
		_, err := natsbus.NewEventBus(ctx, config,
			natsbus.WithCredentials(credentials.NewStaticTokenProvider("wrong", 0)))
		require.ErrorIs(t, err, domain.ErrIO)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("provider failure", func(t *testing.T) {
		_, err := natsbus.NewEventBus(ctx, config,
			natsbus.WithCredentials(credentials.NewEnvTokenProvider("EVSTORE_TEST_UNSET_TOKEN")))
		assert.ErrorIs(t, err, credentials.ErrInvalidCredentials)
	})
}
