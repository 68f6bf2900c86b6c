package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentai"

// StartDeliberationSpan starts a span for one deliberation.
func StartDeliberationSpan(ctx context.Context, deliberationID, messageID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "deliberation",
		trace.WithAttributes(
			attribute.String("deliberation.id", deliberationID),
			attribute.String("message.id", messageID),
		),
	)
}

// StartCapabilitySpan starts a span for one capability invocation attempt.
func StartCapabilitySpan(ctx context.Context, role, tool string, round, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "capability.invoke",
		trace.WithAttributes(
			attribute.String("agent.role", role),
			attribute.String("capability.tool", tool),
			attribute.Int("deliberation.round", round),
			attribute.Int("capability.attempt", attempt),
		),
	)
}

// StartActionSpan starts a span for an action state change.
func StartActionSpan(ctx context.Context, name, actionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "action."+name,
		trace.WithAttributes(
			attribute.String("action.id", actionID),
		),
	)
}
