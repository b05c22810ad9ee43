package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "deploynaut"

// StartEvaluationSpan starts a span for one policy evaluation.
func StartEvaluationSpan(ctx context.Context, environment string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "policy.evaluate",
		trace.WithAttributes(
			attribute.String("deployment.environment", environment),
		),
	)
}

// StartFlowSpan starts a span for one webhook flow.
func StartFlowSpan(ctx context.Context, flow, repo string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "flow."+flow,
		trace.WithAttributes(
			attribute.String("repository", repo),
		),
	)
}
