package update

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// defaultTracerName is the tracer used when none is supplied.
const defaultTracerName = "bindery"

// Tracer returns the default bindery tracer from the global provider.
// Pass the result to WithTracer to trace update cycles.
func Tracer() trace.Tracer {
	return otel.Tracer(defaultTracerName)
}

// finishCycleSpan annotates the cycle span with its final updating-set
// size before it ends.
func finishCycleSpan(span trace.Span, refs int, mutErr error) {
	span.SetAttributes(attribute.Int("bindery.refs", refs))
	if mutErr != nil {
		span.RecordError(mutErr)
	}
}
