package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "plank"

// StartTransitionSpan starts a span for a stage transition attempt.
func StartTransitionSpan(ctx context.Context, taskID, action string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "transition",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("transition.action", action),
		),
	)
}

// StartAuditSpan starts a span for persisting one audit entry.
func StartAuditSpan(ctx context.Context, entryID string, action string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("audit.entry_id", entryID),
			attribute.String("audit.action", action),
		),
	)
}
