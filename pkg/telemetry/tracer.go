// Package telemetry provides OpenTelemetry observability for Palaver
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer for Palaver
var tracer = otel.Tracer("palaver")

// Span names for Palaver operations
const (
	SpanTurnProcess       = "palaver.turn.process"
	SpanTurnComplete      = "palaver.turn.complete"
	SpanTurnCommit        = "palaver.turn.commit"
	SpanConversationClear = "palaver.conversation.clear"
)

// StartTurnSpan starts a span covering one turn on a conversation
func StartTurnSpan(ctx context.Context, conversationID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, ConversationAttrs(conversationID)...)
	return tracer.Start(ctx, SpanTurnProcess, trace.WithAttributes(attrs...))
}

// StartCompletionSpan starts a span for one completion attempt
func StartCompletionSpan(ctx context.Context, conversationID string, attempt, messages int) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanTurnComplete, trace.WithAttributes(
		attribute.String(KeyConversationID, conversationID),
		attribute.Int(KeyTurnAttempt, attempt),
		attribute.Int(KeyCompletionMessages, messages),
	))
}

// StartSpan starts a named span for a conversation operation
func StartSpan(ctx context.Context, name, conversationID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, ConversationAttrs(conversationID)...)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span along with its kind
func RecordError(span trace.Span, err error, kind string) {
	if err == nil {
		return
	}

	span.RecordError(err, trace.WithAttributes(
		attribute.String("exception.message", err.Error()),
		attribute.String(KeyErrorKind, kind),
	))
	span.SetStatus(codes.Error, err.Error())
}

// RecordErrorWithStatus records an error or marks the span successful
func RecordErrorWithStatus(span trace.Span, err error, kind string) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}

	RecordError(span, err, kind)
}

// SetTurnState records the final turn state on a span
func SetTurnState(span trace.Span, state string) {
	span.SetAttributes(attribute.String(KeyTurnState, state))
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
