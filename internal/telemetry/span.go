// Package telemetry wires OpenTelemetry tracing.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys shared by spans across the worker.
const (
	AttrCorrelationID = attribute.Key("keeperdata.correlation_id")
	AttrSource        = attribute.Key("keeperdata.source")
	AttrEntityType    = attribute.Key("keeperdata.entity_type")
	AttrStep          = attribute.Key("pipeline.step")
)

// StartSpan starts a span if tracer is non-nil, otherwise it returns ctx
// unchanged and a non-recording span that is safe to End.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, noop.Span{}
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed. Nil spans and nil errors are ignored.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
