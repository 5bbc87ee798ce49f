// Package replay lets a store recover history it missed: a subscriber asks
// its peers over the bus to republish events of one type, and every peer
// answers from its own event log.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/messaging"
	"github.com/plaenen/evstore/pkg/observability"
	"github.com/plaenen/evstore/pkg/store"
)

// ControlEventType is the event type of replay requests.
var ControlEventType = domain.NewEventType("_replay", "request")

// ControlRoutingKey is the routing key replay requests travel on.
var ControlRoutingKey = ControlEventType.RoutingKey()

// Request asks peers to republish events of one type created at or after
// Since.
type Request struct {
	RequestedNamespace string    `json:"requested_namespace"`
	RequestedType      string    `json:"requested_type"`
	Since              time.Time `json:"since"`

	// Origin is the node id of the requester. A node never answers its own
	// request.
	Origin string `json:"origin,omitempty"`
}

// EventType implements domain.Payload.
func (Request) EventType() domain.EventType {
	return ControlEventType
}

// Requested returns the event type being asked for.
func (r Request) Requested() domain.EventType {
	return domain.NewEventType(r.RequestedNamespace, r.RequestedType)
}

// State is the coordinator's current activity.
type State int32

const (
	Idle State = iota
	ReplayRequested
	Replaying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReplayRequested:
		return "replay_requested"
	case Replaying:
		return "replaying"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type coordinatorConfig struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// Option configures a Coordinator.
type Option func(*coordinatorConfig)

// WithLogger sets the logger for the coordinator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *coordinatorConfig) {
		c.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for the coordinator.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *coordinatorConfig) {
		c.tracer = tracer
	}
}

// WithMetrics records replay metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *coordinatorConfig) {
		c.metrics = metrics
	}
}

// Coordinator runs the replay protocol for one store instance.
type Coordinator struct {
	nodeID string
	log    store.EventLog
	bus    messaging.EventBus

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	// In-flight work, so overlapping requests and replays report the
	// busiest state.
	requesting atomic.Int32
	replaying  atomic.Int32

	mu  sync.Mutex
	sub messaging.Subscription
}

// NewCoordinator creates a coordinator for the node nodeID.
func NewCoordinator(nodeID string, log store.EventLog, bus messaging.EventBus, opts ...Option) *Coordinator {
	config := coordinatorConfig{
		logger: slog.Default(),
		tracer: observability.NoopTracer(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	return &Coordinator{
		nodeID:  nodeID,
		log:     log,
		bus:     bus,
		logger:  config.logger.With("node_id", nodeID),
		tracer:  config.tracer,
		metrics: config.metrics,
	}
}

// NodeID returns the id requests are stamped with.
func (c *Coordinator) NodeID() string {
	return c.nodeID
}

// State returns the current state. Replaying wins over ReplayRequested
// while both are in flight.
func (c *Coordinator) State() State {
	switch {
	case c.replaying.Load() > 0:
		return Replaying
	case c.requesting.Load() > 0:
		return ReplayRequested
	default:
		return Idle
	}
}

// Start subscribes to replay requests from peers.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return errors.New("replay coordinator already started")
	}

	sub, err := c.bus.Subscribe(ctx, ControlRoutingKey, c.handleRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to replay requests: %w", err)
	}
	c.sub = sub
	return nil
}

// Close stops answering replay requests.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Request asks peers to republish events of type t. Since is the time of
// the newest local event of that type, or the zero time when there is none.
// It returns once the request is published.
func (c *Coordinator) Request(ctx context.Context, t domain.EventType) (err error) {
	ctx, span := observability.StartSpan(ctx, c.tracer, "replay.Request",
		observability.AttrEventType.String(t.RoutingKey()),
		observability.AttrNodeID.String(c.nodeID),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err := t.Validate(); err != nil {
		return err
	}

	c.requesting.Add(1)
	defer c.requesting.Add(-1)

	var since time.Time
	last, err := c.log.LastEvent(ctx, t)
	switch {
	case errors.Is(err, domain.ErrEventNotFound):
	case err != nil:
		return fmt.Errorf("failed to read last %s event: %w", t, err)
	default:
		since = last.Context.Time
	}

	env, err := domain.NewEnvelope(Request{
		RequestedNamespace: t.Namespace,
		RequestedType:      t.Type,
		Since:              since,
		Origin:             c.nodeID,
	}, domain.WithAction("replay"))
	if err != nil {
		return err
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	if err := c.bus.Publish(ctx, ControlRoutingKey, raw); err != nil {
		return fmt.Errorf("failed to publish replay request for %s: %w", t, err)
	}

	c.metrics.RecordReplayRequest(ctx, t.RoutingKey())
	c.logger.Debug("replay requested", "event_type", t.RoutingKey(), "since", since)
	return nil
}

func (c *Coordinator) handleRequest(ctx context.Context, raw domain.RawEnvelope) error {
	req, err := domain.Decode[Request](raw)
	if err != nil {
		return err
	}

	if req.Data.Origin == c.nodeID {
		return nil
	}

	t := req.Data.Requested()
	if err := t.Validate(); err != nil {
		return fmt.Errorf("replay request from %s: %w", req.Data.Origin, err)
	}

	_, err = c.Replay(ctx, t, req.Data.Since)
	if errors.Is(err, domain.ErrReplayAborted) {
		// Already logged and counted by Replay.
		return nil
	}
	return err
}

// Replay republishes every local event of type t created at or after since
// on t's routing key, in ascending time order. The first publish failure
// aborts the replay with a *domain.ReplayAbortError; nothing is retried.
// It returns the number of envelopes published.
func (c *Coordinator) Replay(ctx context.Context, t domain.EventType, since time.Time) (published int, err error) {
	ctx, span := observability.StartSpan(ctx, c.tracer, "replay.Replay",
		observability.AttrEventType.String(t.RoutingKey()),
		observability.AttrNodeID.String(c.nodeID),
	)
	defer func() {
		span.SetAttributes(observability.AttrEventCount.Int(published))
		observability.EndSpan(span, err)
	}()

	c.replaying.Add(1)
	defer c.replaying.Add(-1)

	envs, err := c.log.ReadSince(ctx, store.ByType(t), since)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s events for replay: %w", t, err)
	}

	routingKey := t.RoutingKey()
	for _, env := range envs {
		if err := c.bus.Publish(ctx, routingKey, env); err != nil {
			abort := &domain.ReplayAbortError{Type: t, Published: published, Err: err}
			c.metrics.RecordReplay(ctx, routingKey, published, true)
			c.logger.Error("replay aborted",
				"event_type", routingKey,
				"published", published,
				"remaining", len(envs)-published,
				"error", err)
			return published, abort
		}
		published++
	}

	c.metrics.RecordReplay(ctx, routingKey, published, false)
	c.logger.Info("replay served", "event_type", routingKey, "since", since, "published", published)
	return published, nil
}
