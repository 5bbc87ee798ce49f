package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/messaging"
	"github.com/plaenen/evstore/pkg/messaging/bustest"
	"github.com/plaenen/evstore/pkg/messaging/memory"
)

func TestEventBus(t *testing.T) {
	bustest.RunEventBusTests(t, func(t *testing.T) messaging.EventBus {
		return memory.NewEventBus()
	})
}

func TestEventBusClosed(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewEventBus()

	var c bustest.Collector
	_, err := bus.Subscribe(ctx, "closed.test", c.Handle)
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err = bus.Publish(ctx, "closed.test", domain.RawEnvelope{})
	assert.ErrorIs(t, err, domain.ErrClosed)

	_, err = bus.Subscribe(ctx, "closed.test", c.Handle)
	assert.ErrorIs(t, err, domain.ErrClosed)
}
