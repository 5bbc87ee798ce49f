// Package messaging defines the event bus contract that carries envelopes
// between store instances.
package messaging

import (
	"context"

	"github.com/plaenen/evstore/pkg/domain"
)

// EventBus publishes envelopes on routing keys ("<namespace>.<type>") and
// dispatches them to subscribers.
type EventBus interface {
	// Publish sends env to every subscriber of routingKey.
	Publish(ctx context.Context, routingKey string, env domain.RawEnvelope) error

	// Subscribe registers handler for routingKey. It returns once the
	// subscription is active, so a Publish issued afterwards is delivered.
	// Each subscription has its own listener goroutine; envelopes on one
	// routing key reach the handler in publish order.
	Subscribe(ctx context.Context, routingKey string, handler Handler) (Subscription, error)

	// Close closes the event bus and releases resources.
	Close() error
}

// Handler processes one delivered envelope. A returned error is logged by
// the listener; it neither stops the listener nor triggers redelivery.
type Handler func(ctx context.Context, env domain.RawEnvelope) error

// Subscription represents an active event subscription.
type Subscription interface {
	// Unsubscribe stops the listener and waits for an in-flight handler
	// call to return. It must not be called from inside the handler.
	Unsubscribe() error
}
