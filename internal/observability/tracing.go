package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "ledgersync"

// StartSpan starts a span on the global tracer provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartSyncSpan starts an internal span for one sync step, tagged with the entity when known.
func StartSyncSpan(ctx context.Context, operation, entity string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if entity != "" {
		attrs = append(attrs, attribute.String("sync.entity", entity))
	}
	return StartSpan(ctx, fmt.Sprintf("sync.%s", operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartClientSpan starts a span for an outbound API call.
func StartClientSpan(ctx context.Context, entity string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("sync.entity", entity))
	return StartSpan(ctx, "accounting.fetch_page",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
