package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventcore/pkg/eventstore"
	"github.com/plaenen/eventcore/pkg/stream"
)

// InstrumentedEngine decorates a storage engine with spans and metrics. It
// is transparent to callers: conditions, conflicts and streams behave exactly
// as the wrapped engine's do.
type InstrumentedEngine struct {
	inner     eventstore.StorageEngine
	tracer    trace.Tracer
	metrics   *Metrics
	namespace string
}

var _ eventstore.StorageEngine = (*InstrumentedEngine)(nil)

// InstrumentEngine wraps engine. The namespace tags every span and metric
// the wrapper emits.
func InstrumentEngine(engine eventstore.StorageEngine, tel *Telemetry, namespace string) *InstrumentedEngine {
	return &InstrumentedEngine{
		inner:     engine,
		tracer:    tel.Tracer(instrumentationName),
		metrics:   tel.Metrics,
		namespace: namespace,
	}
}

func (e *InstrumentedEngine) Head(ctx context.Context) (int64, error) {
	return e.inner.Head(ctx)
}

// Append traces the whole append, marking conflicts distinctly from other
// failures.
func (e *InstrumentedEngine) Append(ctx context.Context, events []eventstore.Event, condition eventstore.AppendCondition) ([]eventstore.Event, error) {
	ctx, span := e.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(attrsFor(e.namespace,
			AttrEventCount.Int(len(events)),
			AttrConsistencyMarker.Int64(condition.ConsistencyMarker()),
		)...),
	)
	defer span.End()

	start := time.Now()
	committed, err := e.inner.Append(ctx, events, condition)

	if e.metrics != nil {
		e.metrics.RecordAppend(ctx, e.namespace, len(events), time.Since(start), err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var conflict *eventstore.ConflictError
		if errors.As(err, &conflict) {
			span.SetAttributes(AttrConflictPosition.Int64(conflict.Position))
		}
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return committed, nil
}

// Source opens a span covering the read from query to stream exhaustion, so
// its duration reflects what the consumer actually pulled.
func (e *InstrumentedEngine) Source(ctx context.Context, condition eventstore.SourcingCondition) *stream.Stream[eventstore.Event] {
	ctx, span := e.tracer.Start(ctx, "eventstore.source",
		trace.WithAttributes(attrsFor(e.namespace)...))

	start := time.Now()
	inner := e.inner.Source(ctx, condition)

	var (
		count int64
		once  sync.Once
	)
	finish := func(err error) {
		once.Do(func() {
			if e.metrics != nil {
				e.metrics.RecordSource(ctx, e.namespace, count, time.Since(start))
			}
			span.SetAttributes(AttrEventCount.Int64(count))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()
		})
	}

	return stream.NewWithRelease(func(ctx context.Context) (eventstore.Event, bool, error) {
		if inner.Next(ctx) {
			count++
			return inner.Entry(), true, nil
		}
		err := inner.Err()
		finish(err)
		var zero eventstore.Event
		return zero, false, err
	}, func() {
		inner.Close()
		finish(nil)
	})
}
