package eventstore

import (
	"context"
	"fmt"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/messaging"
	"github.com/plaenen/evstore/pkg/middleware"
)

// SubscribeOptions controls a subscription.
type SubscribeOptions struct {
	// ReplayPreviousEvents asks peers to republish the history this store
	// has not seen yet. Replayed envelopes reach the handler through the
	// same path as live ones.
	ReplayPreviousEvents bool

	// SaveOnReceive appends every delivered envelope to the local log
	// before the handler runs. Appends are idempotent, so duplicates from
	// overlapping replays are harmless.
	//
	// An envelope older than the watermark of a cached snapshot is stored
	// but never folded into that snapshot, since reads resume at the
	// watermark. After a replay that may deliver such history, call
	// aggregate.Engine.Evict for the affected queries or aggregate under
	// a new entity name.
	SaveOnReceive bool

	// Middleware wraps delivery inside the store's own recovery and
	// tracing, outermost first.
	//
	//	Middleware: []middleware.Middleware{middleware.Logging(logger)}
	Middleware []middleware.Middleware
}

// Handler processes a delivered event.
type Handler[D domain.Payload] func(ctx context.Context, env domain.Envelope[D]) error

type subscription struct {
	store *Store
	inner messaging.Subscription
}

// Unsubscribe implements messaging.Subscription.
func (s *subscription) Unsubscribe() error {
	s.store.mu.Lock()
	delete(s.store.subs, s)
	s.store.mu.Unlock()
	return s.inner.Unsubscribe()
}

// Subscribe delivers every envelope of D's event type to handler. The bus
// subscription is registered before a replay is requested, so no replayed
// envelope is missed. Envelopes that fail to decode are logged and
// skipped; handler errors and panics are logged and do not stop the
// subscription.
func Subscribe[D domain.Payload](ctx context.Context, s *Store, opts SubscribeOptions, handler Handler[D]) (messaging.Subscription, error) {
	var zero D
	t := zero.EventType()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	routingKey := t.RoutingKey()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrClosed
	}
	s.mu.Unlock()

	deliver := func(ctx context.Context, raw domain.RawEnvelope) error {
		env, err := domain.Decode[D](raw)
		if err != nil {
			s.metrics.RecordHandlerError(ctx, routingKey)
			s.logger.Error("skipping undecodable event",
				"routing_key", routingKey,
				"event_id", raw.ID,
				"error", err)
			return nil
		}

		if opts.SaveOnReceive {
			if err := s.log.Append(ctx, raw); err != nil {
				s.metrics.RecordHandlerError(ctx, routingKey)
				return fmt.Errorf("failed to save received event %s: %w", raw.ID, err)
			}
			s.metrics.RecordAppend(ctx, routingKey)
		}

		if err := handler(ctx, env); err != nil {
			s.metrics.RecordHandlerError(ctx, routingKey)
			return err
		}
		return nil
	}

	chain := append([]middleware.Middleware{
		middleware.Recovery(s.logger),
		middleware.Tracing(s.tracer),
	}, opts.Middleware...)
	inner, err := s.bus.Subscribe(ctx, routingKey, middleware.Chain(deliver, chain...))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", routingKey, err)
	}
	sub := &subscription{store: s, inner: inner}

	if opts.ReplayPreviousEvents {
		if err := s.coordinator.Request(ctx, t); err != nil {
			inner.Unsubscribe()
			return nil, fmt.Errorf("failed to request replay of %s: %w", routingKey, err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		inner.Unsubscribe()
		return nil, domain.ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("subscribed",
		"routing_key", routingKey,
		"replay", opts.ReplayPreviousEvents,
		"save_on_receive", opts.SaveOnReceive)
	return sub, nil
}
