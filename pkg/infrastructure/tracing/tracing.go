// Package tracing wraps the otel tracer every core operation starts a
// span through: change-set commits and edda MV builds are the
// spans an operator actually wants strung together across a distributed
// trace, the same way other_examples' worker.MutateOverNetwork/
// worker.CommitOverNetwork spans bracket their own request lifecycles.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/si-workspace/snapgraph"

// Start opens a span named name under the package tracer, tagging it with
// attrs. Callers must defer span.End().
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err on span, if any, and closes it. Call via defer
// immediately after Start: `ctx, span := tracing.Start(...); defer
// tracing.End(span, &err)`.
func End(span trace.Span, err *error) {
	if err != nil && *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
