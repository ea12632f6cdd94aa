// Package tracing wires up OpenTelemetry spans for capability calls and
// Plan message dispatch, grounded on ariadne's engine/internal/telemetry/
// tracing (a span-per-operation shape) but backed by the real
// go.opentelemetry.io/otel SDK rather than ariadne's hand-rolled Span type,
// since daqcore has no need to stay exporter-agnostic behind its own
// interface — one SDK, wired directly.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "daqcore"

// NewProvider returns a TracerProvider with no exporter registered — spans
// are created and ended but not shipped anywhere by default. Callers that
// want export (OTLP, stdout, ...) attach a trace.SpanProcessor via
// provider.RegisterSpanProcessor before use.
func NewProvider() *trace.TracerProvider {
	return trace.NewTracerProvider()
}

// Tracer returns the daqcore instrumentation-scoped Tracer from the
// currently registered global TracerProvider (or a no-op one if none was
// installed via otel.SetTracerProvider).
func Tracer() oteltrace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartCapabilityCall opens a span for one capability call, tagging it with
// the device id and capability name (spec §4.2/§9: "each capability call
// ... opens a span").
func StartCapabilityCall(ctx context.Context, deviceID, capability string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, "capability."+capability, oteltrace.WithAttributes(
		attribute.String("device_id", deviceID),
		attribute.String("capability", capability),
	))
}

// StartMessageDispatch opens a span for one Plan message's dispatch,
// attaching the run uid and plan hash as attributes once known (spec §4.3
// Provenance).
func StartMessageDispatch(ctx context.Context, runUID, planHash, messageKind string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, "plan.dispatch."+messageKind, oteltrace.WithAttributes(
		attribute.String("run_uid", runUID),
		attribute.String("plan_hash", planHash),
	))
}
