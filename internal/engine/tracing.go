// Tracing instrumentation for the executor.
package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

const tracerName = "github.com/anaysingh0542/multi-agent/internal/engine"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startPlanSpan starts the span covering one execute call.
func (r *run) startPlanSpan(ctx context.Context, plan *schema.Plan) (context.Context, trace.Span) {
	ctx, span := r.tracer.Start(ctx, "plan.execute")
	span.SetAttributes(
		attribute.String("run.id", r.id),
		attribute.String("plan.name", plan.Name),
		attribute.String("session.id", r.state.SessionID()),
	)
	return ctx, span
}

// endPlanSpan ends the plan span with the run status.
func endPlanSpan(span trace.Span, status schema.RunStatus, err error) {
	span.SetAttributes(attribute.String("run.status", string(status)))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startNodeSpan starts a span for a control-flow node.
func (r *run) startNodeSpan(ctx context.Context, n schema.Node) (context.Context, trace.Span) {
	ctx, span := r.tracer.Start(ctx, "node."+string(n.Kind()))
	if id := n.NodeID(); id != "" {
		span.SetAttributes(attribute.String("node.id", id))
	}
	return ctx, span
}

// startAgentSpan starts a span for one handler invocation.
func (r *run) startAgentSpan(ctx context.Context, stepID, agentID, handler string) (context.Context, trace.Span) {
	ctx, span := r.tracer.Start(ctx, "agent."+agentID)
	span.SetAttributes(
		attribute.String("node.id", stepID),
		attribute.String("agent.id", agentID),
		attribute.String("agent.handler", handler),
	)
	return ctx, span
}

// endSpan records err, if any, and ends the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
