package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskmill spans.
var (
	AttrTaskID     = attribute.Key("taskmill.task.id")
	AttrTaskState  = attribute.Key("taskmill.task.state")
	AttrAttempt    = attribute.Key("taskmill.task.attempt")
	AttrWorkerID   = attribute.Key("taskmill.worker.id")
	AttrToolTarget = attribute.Key("taskmill.tool.target")
	AttrScheduleID = attribute.Key("taskmill.schedule.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (tool capability).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
