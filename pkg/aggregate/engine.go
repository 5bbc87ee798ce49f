package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/observability"
	"github.com/plaenen/evstore/pkg/store"
)

// Stats describes the work done by one aggregation.
type Stats struct {
	// SnapshotHit is true when a cached snapshot was used as the start state.
	SnapshotHit bool

	// Read is the number of envelopes returned by the log.
	Read int

	// Folded is the number of envelopes applied to the state. Envelopes at
	// the watermark that the snapshot already contains are not folded again.
	Folded int

	// Watermark is the watermark of the refreshed snapshot.
	Watermark time.Time
}

type engineConfig struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for the engine.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *engineConfig) {
		c.tracer = tracer
	}
}

// WithMetrics records aggregation metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *engineConfig) {
		c.metrics = metrics
	}
}

// Engine aggregates one entity type. It is safe for concurrent use;
// concurrent calls with equal queries share one log read and fold. A shared
// fold is cancelled only once every caller waiting on it has gone.
type Engine[T, E, A any] struct {
	name    string
	reducer Reducer[T, E, A]
	events  *domain.EventSet[E]
	log     store.EventLog
	cache   store.SnapshotCache

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context a shared fold runs under, detached from any single
// caller.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	callers []context.Context
}

// live reports whether any caller still waits. Callers hold e.mu.
func (f *flight) live() bool {
	for _, ctx := range f.callers {
		if ctx.Err() == nil {
			return true
		}
	}
	return false
}

// NewEngine creates an engine for the entity called name. The name prefixes
// every cache key, so it must be unique per state type.
func NewEngine[T, E, A any](
	name string,
	reducer Reducer[T, E, A],
	events *domain.EventSet[E],
	log store.EventLog,
	cache store.SnapshotCache,
	opts ...Option,
) *Engine[T, E, A] {
	config := engineConfig{
		logger: slog.Default(),
		tracer: observability.NoopTracer(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	return &Engine[T, E, A]{
		name:    name,
		reducer: reducer,
		events:  events,
		log:     log,
		cache:   cache,
		logger:  config.logger.With("entity", name),
		tracer:  config.tracer,
		metrics: config.metrics,
		flights: make(map[string]*flight),
	}
}

// Name returns the entity name.
func (e *Engine[T, E, A]) Name() string {
	return e.name
}

// Evict drops the cached snapshot for args, so the next Aggregate folds
// the full history. Use it after events older than the snapshot's
// watermark were appended, e.g. by a replay.
func (e *Engine[T, E, A]) Evict(ctx context.Context, args A) error {
	q := e.reducer.Query(args)
	if q == nil {
		return fmt.Errorf("%w: %s reducer returned a nil query", domain.ErrUnsupportedQuery, e.name)
	}
	key := store.CacheKey(e.name, q)
	if err := e.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to evict snapshot %s: %w", key, err)
	}
	e.logger.Debug("evicted snapshot", "cache_key", key)
	return nil
}

// Aggregate returns the current state for args. The returned value is
// owned by the caller.
func (e *Engine[T, E, A]) Aggregate(ctx context.Context, args A) (T, error) {
	state, _, err := e.AggregateWithStats(ctx, args)
	return state, err
}

type foldResult struct {
	state json.RawMessage
	stats Stats
}

// AggregateWithStats is Aggregate plus a description of the work done.
func (e *Engine[T, E, A]) AggregateWithStats(ctx context.Context, args A) (T, Stats, error) {
	var zero T

	q := e.reducer.Query(args)
	if q == nil {
		return zero, Stats{}, fmt.Errorf("%w: %s reducer returned a nil query", domain.ErrUnsupportedQuery, e.name)
	}
	key := store.CacheKey(e.name, q)

	ctx, span := observability.StartSpan(ctx, e.tracer, "aggregate.Aggregate",
		observability.AttrEntity.String(e.name),
		observability.AttrCacheKey.String(key),
	)

	start := time.Now()
	f, ch := e.join(ctx, key, q)
	stop := context.AfterFunc(ctx, func() { e.abandon(key, f) })

	var (
		v      any
		err    error
		shared bool
	)
	select {
	case res := <-ch:
		v, err, shared = res.Val, res.Err, res.Shared
	case <-ctx.Done():
		err = ctx.Err()
	}
	stop()

	var stats Stats
	if err == nil {
		stats = v.(foldResult).stats
	}
	e.metrics.RecordAggregate(ctx, e.name, time.Since(start), stats.SnapshotHit, stats.Folded, err)

	if err != nil {
		observability.EndSpan(span, err)
		return zero, Stats{}, err
	}

	var state T
	if err := json.Unmarshal(v.(foldResult).state, &state); err != nil {
		err = fmt.Errorf("failed to decode %s state: %w", e.name, err)
		observability.EndSpan(span, err)
		return zero, Stats{}, err
	}

	span.SetAttributes(
		observability.AttrSnapshotHit.Bool(stats.SnapshotHit),
		observability.AttrEventCount.Int(stats.Folded),
	)
	observability.EndSpan(span, nil)

	e.logger.Debug("aggregated",
		"cache_key", key,
		"snapshot_hit", stats.SnapshotHit,
		"read", stats.Read,
		"folded", stats.Folded,
		"shared", shared)

	return state, stats, nil
}

// join attaches ctx to the flight for key, starting one if none is live.
func (e *Engine[T, E, A]) join(ctx context.Context, key string, q store.Query) (*flight, <-chan singleflight.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, ok := e.flights[key]
	if ok && !f.live() {
		// Every caller left; the running fold is being cancelled.
		e.group.Forget(key)
		delete(e.flights, key)
		ok = false
	}
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		e.flights[key] = f
	}
	f.callers = append(f.callers, ctx)

	ch := e.group.DoChan(key, func() (any, error) {
		defer e.finish(key, f)
		return e.fold(f, q, key)
	})
	return f, ch
}

// abandon cancels f once its last caller is gone.
func (e *Engine[T, E, A]) abandon(key string, f *flight) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f.live() {
		return
	}
	if e.flights[key] == f {
		e.group.Forget(key)
		delete(e.flights, key)
	}
	f.cancel()
}

func (e *Engine[T, E, A]) finish(key string, f *flight) {
	e.mu.Lock()
	if e.flights[key] == f {
		delete(e.flights, key)
	}
	e.mu.Unlock()
	f.cancel()
}

func (e *Engine[T, E, A]) abandoned(f *flight) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !f.live()
}

// fold runs one cache lookup, bounded log read, fold and cache refresh.
func (e *Engine[T, E, A]) fold(f *flight, q store.Query, key string) (foldResult, error) {
	var stats Stats
	ctx := f.ctx

	state := e.reducer.Default()
	snap, err := e.cache.Get(ctx, key)
	switch {
	case errors.Is(err, domain.ErrSnapshotNotFound):
		snap = nil
	case err != nil:
		return foldResult{}, fmt.Errorf("failed to read snapshot %s: %w", key, err)
	default:
		// Decode into a zero value so entries missing from the snapshot
		// stay missing.
		var cached T
		if err := json.Unmarshal(snap.State, &cached); err != nil {
			// The log is the source of truth; rebuild from the start.
			e.logger.Warn("discarding undecodable snapshot", "cache_key", key, "error", err)
			snap = nil
		} else {
			state = cached
			stats.SnapshotHit = true
		}
	}

	var (
		since    time.Time
		boundary []uuid.UUID
	)
	if snap != nil {
		since = snap.Watermark
		boundary = append(boundary, snap.Boundary...)
	}
	watermark := since

	envs, err := e.log.ReadSince(ctx, q, since)
	if err != nil {
		return foldResult{}, fmt.Errorf("failed to read %s events: %w", e.name, err)
	}
	stats.Read = len(envs)

	for _, raw := range envs {
		if snap.Folded(raw.ID, raw.Context.Time) {
			continue
		}

		event, ok, err := e.events.Decode(raw)
		if err != nil {
			return foldResult{}, err
		}
		if ok {
			state = e.reducer.Apply(state, event)
			stats.Folded++
		}

		switch t := raw.Context.Time; {
		case t.After(watermark):
			watermark = t
			boundary = append(boundary[:0:0], raw.ID)
		case t.Equal(watermark):
			boundary = append(boundary, raw.ID)
		}
	}
	stats.Watermark = watermark

	encoded, err := json.Marshal(state)
	if err != nil {
		return foldResult{}, fmt.Errorf("failed to encode %s state: %w", e.name, err)
	}

	// Only a complete fold reaches the cache.
	if err := ctx.Err(); err != nil {
		return foldResult{}, err
	}
	if e.abandoned(f) {
		return foldResult{}, fmt.Errorf("%s fold abandoned by every caller: %w", e.name, context.Canceled)
	}

	next := &store.Snapshot{State: encoded, Watermark: watermark, Boundary: boundary}
	if err := e.cache.Set(ctx, key, next); err != nil {
		e.logger.Warn("failed to write snapshot", "cache_key", key, "error", err)
		e.metrics.RecordSnapshotWriteFailure(ctx, e.name)
	}

	return foldResult{state: encoded, stats: stats}, nil
}
