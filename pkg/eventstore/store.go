// Package eventstore ties an event log, an event bus and the replay
// protocol into one store instance.
//
//	s := eventstore.New(log, bus, eventstore.WithNodeID("billing-1"))
//	if err := s.Start(ctx); err != nil { ... }
//	defer s.Close()
//
//	env, err := eventstore.Save(ctx, s, InvoicePaid{Invoice: "inv-7"})
//
//	sub, err := eventstore.Subscribe(ctx, s, eventstore.SubscribeOptions{
//	    ReplayPreviousEvents: true,
//	    SaveOnReceive:        true,
//	}, func(ctx context.Context, env domain.Envelope[InvoicePaid]) error { ... })
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/evstore/pkg/aggregate"
	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/idgen"
	"github.com/plaenen/evstore/pkg/messaging"
	"github.com/plaenen/evstore/pkg/observability"
	"github.com/plaenen/evstore/pkg/replay"
	"github.com/plaenen/evstore/pkg/store"
)

// Store is one event store instance. The log and bus are owned by the
// caller; Close releases only what the store itself created.
type Store struct {
	nodeID      string
	log         store.EventLog
	bus         messaging.EventBus
	coordinator *replay.Coordinator

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	validate bool

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithNodeID sets the node id replay requests are stamped with. Defaults
// to a generated id.
func WithNodeID(id string) Option {
	return func(s *Store) {
		s.nodeID = id
	}
}

// WithLogger sets the logger for the store and its replay coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		s.tracer = tracer
	}
}

// WithMetrics records store, replay and aggregation metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// WithPayloadValidation checks struct payloads against their `valid` tags
// before they are saved.
//
//	type InvoicePaid struct {
//	    Invoice string `json:"invoice" valid:"required"`
//	    Email   string `json:"email" valid:"email"`
//	}
func WithPayloadValidation() Option {
	return func(s *Store) {
		s.validate = true
	}
}

// New creates a store on log and bus.
func New(log store.EventLog, bus messaging.EventBus, opts ...Option) *Store {
	s := &Store{
		log:    log,
		bus:    bus,
		logger: slog.Default(),
		tracer: observability.NoopTracer(),
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.nodeID == "" {
		s.nodeID = idgen.NewNodeID()
	}

	s.coordinator = replay.NewCoordinator(s.nodeID, log, bus,
		replay.WithLogger(s.logger),
		replay.WithTracer(s.tracer),
		replay.WithMetrics(s.metrics),
	)
	return s
}

// Start begins answering replay requests from peers.
func (s *Store) Start(ctx context.Context) error {
	if err := s.coordinator.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("event store started", "node_id", s.nodeID)
	return nil
}

// Close removes every subscription made through the store and stops the
// replay coordinator.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = nil
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.inner.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.coordinator.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NodeID returns the node id of this store.
func (s *Store) NodeID() string {
	return s.nodeID
}

// Log returns the event log.
func (s *Store) Log() store.EventLog {
	return s.log
}

// Bus returns the event bus.
func (s *Store) Bus() messaging.EventBus {
	return s.bus
}

// Coordinator returns the replay coordinator.
func (s *Store) Coordinator() *replay.Coordinator {
	return s.coordinator
}

// SaveRaw appends env to the log and publishes it on its routing key.
// Nothing is published when the append fails. A publish failure after a
// successful append is returned; the event stays durable.
func (s *Store) SaveRaw(ctx context.Context, env domain.RawEnvelope) (err error) {
	ctx, span := observability.StartSpan(ctx, s.tracer, "eventstore.Save", observability.EnvelopeAttrs(env)...)
	defer func() { observability.EndSpan(span, err) }()

	if err := s.log.Append(ctx, env); err != nil {
		return fmt.Errorf("failed to append %s event %s: %w", env.Type, env.ID, err)
	}
	s.metrics.RecordAppend(ctx, env.Type.RoutingKey())

	if err := s.bus.Publish(ctx, env.Type.RoutingKey(), env); err != nil {
		return fmt.Errorf("event %s appended but not published: %w", env.ID, err)
	}
	s.metrics.RecordPublish(ctx, env.Type.RoutingKey())

	s.logger.Debug("event saved", "event_type", env.Type.RoutingKey(), "event_id", env.ID)
	return nil
}

// Save wraps data in a new envelope, appends it and publishes it.
func Save[D domain.Payload](ctx context.Context, s *Store, data D, opts ...domain.ContextOption) (domain.Envelope[D], error) {
	if s.validate {
		if err := validatePayload(data); err != nil {
			return domain.Envelope[D]{}, err
		}
	}
	env, err := domain.NewEnvelope(data, opts...)
	if err != nil {
		return domain.Envelope[D]{}, err
	}
	raw, err := env.Encode()
	if err != nil {
		return domain.Envelope[D]{}, err
	}
	if err := s.SaveRaw(ctx, raw); err != nil {
		return env, err
	}
	return env, nil
}

// NewEngine creates an aggregation engine on the store's log that shares
// the store's logger, tracer and metrics.
func NewEngine[T, E, A any](
	s *Store,
	name string,
	reducer aggregate.Reducer[T, E, A],
	events *domain.EventSet[E],
	cache store.SnapshotCache,
) *aggregate.Engine[T, E, A] {
	return aggregate.NewEngine(name, reducer, events, s.log, cache,
		aggregate.WithLogger(s.logger),
		aggregate.WithTracer(s.tracer),
		aggregate.WithMetrics(s.metrics),
	)
}
