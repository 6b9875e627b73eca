package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/italolelis/netxfer/internal/fault"
)

// Status values used as metric attributes.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// CARDINALITY:
//
// Span and metric attributes must come from bounded sets: schemes, operation
// names, status values, error domains and codes. URLs, handle ids, paths and
// error messages belong in logs, which carry trace_id and handle_id for
// correlation.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// Status maps an operation result to a status attribute value.
func Status(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case fault.IsCancelled(err):
		return StatusCancelled
	default:
		return StatusError
	}
}

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	endSpan(span, err, time.Since(start))

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, Status(err), time.Since(start))

	return err
}

// InstrumentEngineOperation instruments one call into a transfer engine.
func (t *Telemetry) InstrumentEngineOperation(ctx context.Context, scheme, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "engine_"+operation, "engine", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("engine.scheme", scheme),
			attribute.String("engine.operation", operation),
		)

		return fn(ctx)
	})

	t.RecordEngineOperation(scheme, operation, Status(err))

	return err
}

// StartTransfer opens the span and counters of a transfer that finishes
// asynchronously. The returned function must be called exactly once with
// the transfer's final error.
func (t *Telemetry) StartTransfer(ctx context.Context, scheme string) (context.Context, func(error)) {
	if t == nil || t.tracer == nil {
		return ctx, func(error) {}
	}

	start := time.Now()

	t.IncrementActiveTransfers()

	ctx, span := t.tracer.Start(ctx, "transfer")
	span.SetAttributes(
		attribute.String("component", "transfer"),
		attribute.String("transfer.scheme", scheme),
	)

	return ctx, func(err error) {
		duration := time.Since(start)

		if domain, code, ok := fault.DomainOf(err); ok {
			span.SetAttributes(
				attribute.String("error.domain", string(domain)),
				attribute.Int("error.code", int(code)),
			)
		}

		endSpan(span, err, duration)
		span.End()

		t.DecrementActiveTransfers()
		t.RecordTransfer(scheme, Status(err), duration)
	}
}

func endSpan(span trace.Span, err error, duration time.Duration) {
	status := Status(err)
	if err != nil {
		// The message goes to the span status, not to an attribute.
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)
}
