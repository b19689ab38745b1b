package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/plaenen/eventcore/pkg/eventstore"
)

// Metrics holds the instruments recording event store activity.
type Metrics struct {
	EventsAppended  metric.Int64Counter
	EventsSourced   metric.Int64Counter
	EventsPublished metric.Int64Counter

	AppendLatency metric.Float64Histogram
	SourceLatency metric.Float64Histogram

	AppendConflicts metric.Int64Counter
	EntityLoads     metric.Int64Counter
}

// NewMetrics creates all instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsAppended, err = meter.Int64Counter(
		"eventcore.events.appended",
		metric.WithDescription("Events committed to the event log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.EventsSourced, err = meter.Int64Counter(
		"eventcore.events.sourced",
		metric.WithDescription("Events read back while sourcing"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.sourced: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"eventcore.events.published",
		metric.WithDescription("Committed events handed to the event bus"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.published: %w", err)
	}

	m.AppendLatency, err = meter.Float64Histogram(
		"eventcore.append.latency",
		metric.WithDescription("Append duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating append.latency: %w", err)
	}

	m.SourceLatency, err = meter.Float64Histogram(
		"eventcore.source.latency",
		metric.WithDescription("Sourcing duration in seconds, query to stream exhaustion"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating source.latency: %w", err)
	}

	m.AppendConflicts, err = meter.Int64Counter(
		"eventcore.append.conflicts",
		metric.WithDescription("Appends rejected by their append condition"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating append.conflicts: %w", err)
	}

	m.EntityLoads, err = meter.Int64Counter(
		"eventcore.repository.loads",
		metric.WithDescription("Entities rebuilt from their event streams"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating repository.loads: %w", err)
	}

	return m, nil
}

// RecordAppend records one append attempt against a namespace.
func (m *Metrics) RecordAppend(ctx context.Context, namespace string, count int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(AttrNamespace.String(namespace))

	m.AppendLatency.Record(ctx, duration.Seconds(), attrs)
	switch {
	case err == nil:
		m.EventsAppended.Add(ctx, int64(count), attrs)
	case errors.Is(err, eventstore.ErrConflict):
		m.AppendConflicts.Add(ctx, 1, attrs)
	}
}

// RecordSource records one completed sourcing read.
func (m *Metrics) RecordSource(ctx context.Context, namespace string, count int64, duration time.Duration) {
	attrs := metric.WithAttributes(AttrNamespace.String(namespace))

	m.SourceLatency.Record(ctx, duration.Seconds(), attrs)
	m.EventsSourced.Add(ctx, count, attrs)
}

// RecordPublish records committed events handed to the bus.
func (m *Metrics) RecordPublish(ctx context.Context, namespace string, count int) {
	m.EventsPublished.Add(ctx, int64(count),
		metric.WithAttributes(AttrNamespace.String(namespace)))
}

// RecordEntityLoad records one entity rebuild.
func (m *Metrics) RecordEntityLoad(ctx context.Context, namespace string) {
	m.EntityLoads.Add(ctx, 1,
		metric.WithAttributes(AttrNamespace.String(namespace)))
}

// attrsFor is shared by the instrumented engine's span and metric paths.
func attrsFor(namespace string, extra ...attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{AttrNamespace.String(namespace)}, extra...)
}
