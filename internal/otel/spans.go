package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for link spans and metrics.
var (
	AttrEndpoint       = attribute.Key("orbital.link.endpoint")
	AttrAttempt        = attribute.Key("orbital.link.attempt")
	AttrLinkState      = attribute.Key("orbital.link.state")
	AttrEventKind      = attribute.Key("orbital.event.kind")
	AttrCommandType    = attribute.Key("orbital.command.type")
	AttrInterventionID = attribute.Key("orbital.intervention.id")
	AttrApproved       = attribute.Key("orbital.intervention.approved")
	AttrSessionID      = attribute.Key("orbital.session.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (simulated daemon).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (dial, command send).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
