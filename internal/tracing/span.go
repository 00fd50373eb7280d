package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartSubmitSpan starts a client span for one batch submission to a backend.
func StartSubmitSpan(ctx context.Context, tracer trace.Tracer, backend, batchID string, size, attempt int) (context.Context, trace.Span) {
	spanName := "submit batch"
	if backend != "" {
		spanName = backend + " submit batch"
	}
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("crankexport.backend", backend),
		attribute.Int("crankexport.batch.size", size),
		attribute.Int("crankexport.batch.attempt", attempt),
	)
	if batchID != "" {
		span.SetAttributes(attribute.String("crankexport.batch.id", batchID))
	}
	return ctx, span
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders injects W3C trace context into HTTP headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
