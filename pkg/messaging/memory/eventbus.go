// Package memory provides an in-process messaging.EventBus.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/messaging"
)

// EventBus delivers envelopes to subscribers in the same process. Every
// subscription owns an unbounded queue drained by one goroutine, so a slow
// handler never blocks publishers.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	logger *slog.Logger
	closed bool
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// NewEventBus creates an in-process bus.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{
		subs:   make(map[string]map[*subscription]struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements messaging.EventBus.
func (b *EventBus) Publish(ctx context.Context, routingKey string, env domain.RawEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return domain.ErrClosed
	}
	for sub := range b.subs[routingKey] {
		sub.enqueue(env)
	}
	return nil
}

// Subscribe implements messaging.EventBus.
func (b *EventBus) Subscribe(ctx context.Context, routingKey string, handler messaging.Handler) (messaging.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, domain.ErrClosed
	}

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		bus:        b,
		routingKey: routingKey,
		handler:    handler,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if b.subs[routingKey] == nil {
		b.subs[routingKey] = make(map[*subscription]struct{})
	}
	b.subs[routingKey][sub] = struct{}{}

	go sub.listen(listenCtx)
	return sub, nil
}

// Close stops every listener. Envelopes still queued are dropped.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

func (b *EventBus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[sub.routingKey]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.routingKey)
		}
	}
}

type subscription struct {
	bus        *EventBus
	routingKey string
	handler    messaging.Handler
	cancel     context.CancelFunc

	mu    sync.Mutex
	queue []domain.RawEnvelope
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *subscription) enqueue(env domain.RawEnvelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) listen(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			env := s.queue[0]
			s.queue[0] = domain.RawEnvelope{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			if err := s.handler(ctx, env); err != nil {
				s.bus.logger.Error("event handler failed",
					"routing_key", s.routingKey,
					"event_id", env.ID,
					"error", err)
			}
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Unsubscribe implements messaging.Subscription.
func (s *subscription) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

var _ messaging.EventBus = (*EventBus)(nil)
