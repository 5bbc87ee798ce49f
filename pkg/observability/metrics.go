package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the event store. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Aggregation metrics
	AggregateDuration     metric.Float64Histogram
	AggregateTotal        metric.Int64Counter
	AggregateErrors       metric.Int64Counter
	SnapshotHits          metric.Int64Counter
	SnapshotMisses        metric.Int64Counter
	EventsFolded          metric.Int64Counter
	SnapshotWriteFailures metric.Int64Counter

	// Event metrics
	EventsAppended  metric.Int64Counter
	EventsPublished metric.Int64Counter
	HandlerErrors   metric.Int64Counter

	// Replay metrics
	ReplayRequests metric.Int64Counter
	EventsReplayed metric.Int64Counter
	ReplayAborts   metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.AggregateDuration, "evstore.aggregate.duration", "Aggregation duration in seconds"},
	}
	for _, h := range histograms {
		inst, err := meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", h.name, err)
		}
		*h.dst = inst
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.AggregateTotal, "evstore.aggregate.total", "Total aggregations"},
		{&m.AggregateErrors, "evstore.aggregate.errors", "Aggregations that returned an error"},
		{&m.SnapshotHits, "evstore.snapshot.hits", "Snapshot cache hits"},
		{&m.SnapshotMisses, "evstore.snapshot.misses", "Snapshot cache misses"},
		{&m.EventsFolded, "evstore.events.folded", "Events folded into aggregate state"},
		{&m.SnapshotWriteFailures, "evstore.snapshot.write_failures", "Snapshot writes that failed after a successful fold"},
		{&m.EventsAppended, "evstore.events.appended", "Total events appended to the event log"},
		{&m.EventsPublished, "evstore.events.published", "Total events published to the event bus"},
		{&m.HandlerErrors, "evstore.handler.errors", "Subscription handler failures"},
		{&m.ReplayRequests, "evstore.replay.requests", "Replay requests published"},
		{&m.EventsReplayed, "evstore.replay.events", "Events republished while serving a replay"},
		{&m.ReplayAborts, "evstore.replay.aborts", "Replays aborted on a publish failure"},
	}
	for _, c := range counters {
		inst, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", c.name, err)
		}
		*c.dst = inst
	}

	return m, nil
}

// RecordAggregate records one aggregation of entity.
func (m *Metrics) RecordAggregate(ctx context.Context, entity string, duration time.Duration, snapshotHit bool, folded int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("entity", entity))

	m.AggregateDuration.Record(ctx, duration.Seconds(), attrs)
	m.AggregateTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.AggregateErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("error_type", fmt.Sprintf("%T", err)),
		))
		return
	}
	if snapshotHit {
		m.SnapshotHits.Add(ctx, 1, attrs)
	} else {
		m.SnapshotMisses.Add(ctx, 1, attrs)
	}
	m.EventsFolded.Add(ctx, int64(folded), attrs)
}

// RecordSnapshotWriteFailure counts a cache write that failed after a fold.
func (m *Metrics) RecordSnapshotWriteFailure(ctx context.Context, entity string) {
	if m == nil {
		return
	}
	m.SnapshotWriteFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", entity)))
}

// RecordAppend counts an event appended to the log.
func (m *Metrics) RecordAppend(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.EventsAppended.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordPublish counts an event published on the bus.
func (m *Metrics) RecordPublish(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordHandlerError counts a failed subscription handler invocation.
func (m *Metrics) RecordHandlerError(ctx context.Context, routingKey string) {
	if m == nil {
		return
	}
	m.HandlerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("routing_key", routingKey)))
}

// RecordReplayRequest counts a replay request sent for eventType.
func (m *Metrics) RecordReplayRequest(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.ReplayRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordReplay records a served replay: how many envelopes were
// republished and whether it was aborted.
func (m *Metrics) RecordReplay(ctx context.Context, eventType string, published int, aborted bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.EventsReplayed.Add(ctx, int64(published), attrs)
	if aborted {
		m.ReplayAborts.Add(ctx, 1, attrs)
	}
}
