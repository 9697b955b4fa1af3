package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const orchestrationTracerName = "anyon-orchestration"

func orchestrationTracer() trace.Tracer {
	return Tracer(orchestrationTracerName)
}

// TraceStartExecution creates a span for starting an execution process.
func TraceStartExecution(ctx context.Context, attemptID, actionType, runReason string) (context.Context, trace.Span) {
	ctx, span := orchestrationTracer().Start(ctx, "execution.start",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_attempt_id", attemptID),
		attribute.String("action_type", actionType),
		attribute.String("run_reason", runReason),
	)
	return ctx, span
}

// TraceProcessExit creates a span for handling an execution process exit.
func TraceProcessExit(ctx context.Context, processID, outcome string) (context.Context, trace.Span) {
	ctx, span := orchestrationTracer().Start(ctx, "execution.exit",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("execution_process_id", processID),
		attribute.String("outcome", outcome),
	)
	return ctx, span
}

// TraceApprovalResponse creates a span for resolving an approval request.
func TraceApprovalResponse(ctx context.Context, approvalID, decision string) (context.Context, trace.Span) {
	ctx, span := orchestrationTracer().Start(ctx, "approval.respond",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("approval_id", approvalID),
		attribute.String("decision", decision),
	)
	return ctx, span
}

// TracePlanResume creates a span for resuming an approved plan as a follow-up execution.
func TracePlanResume(ctx context.Context, processID string) (context.Context, trace.Span) {
	ctx, span := orchestrationTracer().Start(ctx, "plan.resume",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("execution_process_id", processID))
	return ctx, span
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
