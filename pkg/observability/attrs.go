package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrNamespace         = attribute.Key("eventcore.namespace")
	AttrEventType         = attribute.Key("eventcore.event.type")
	AttrEventCount        = attribute.Key("eventcore.event.count")
	AttrConsistencyMarker = attribute.Key("eventcore.consistency_marker")
	AttrConflictPosition  = attribute.Key("eventcore.conflict.position")
)

// TraceID returns the current trace ID, empty when the context carries no
// sampled span. Handy for correlating log lines.
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// SetSpanError records err on the span in ctx and marks it failed.
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
