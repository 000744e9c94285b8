package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY BEST PRACTICES:
//
// High cardinality attributes (unique values per request) should NEVER be added to spans
// that contribute to metrics, as they create unbounded metric series and can cause:
// - Memory exhaustion
// - Query performance degradation
// - Storage cost explosion
//
// AVOID these as span attributes:
// - Download IDs, session IDs, request IDs
// - File names, file paths, URLs with unique parameters
// - Timestamps, random values, UUIDs
// - Error messages with dynamic content
// - Asset titles, manifest URLs, segment names
//
// SAFE attributes (bounded cardinality):
// - Operation types (limited set: "save_state", "load_state", "start", "remove")
// - Status values (limited set: "success", "error", "timeout")
// - Engine types (limited set: "binary", "stream")
// - Component names (limited set: "store", "engine", "queue")
//
// For debugging, high-cardinality data should be:
// - Added to span status/events (not attributes)
// - Logged with correlation IDs
// - Stored in trace context for propagation

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

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
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(
			attribute.Bool("error", true),
			// Note: error.message is intentionally NOT added as attribute to prevent
			// high cardinality from unique error messages. Full error is in span status.
		)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentStoreOperation instruments state store persistence operations.
func (t *Telemetry) InstrumentStoreOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "store_"+operation, "store", fn)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordStoreOperation(operation, status, duration)

	return err
}

// InstrumentEngineOperation instruments download engine operations.
func (t *Telemetry) InstrumentEngineOperation(ctx context.Context, engine, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "engine_"+operation, "engine", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "engine_"+operation)
		defer span.End()

		span.SetAttributes(
			attribute.String("engine.type", engine),
			attribute.String("engine.operation", operation),
		)

		return fn(ctx)
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordEngineOperation(engine, operation, status)

	return err
}

// InstrumentDownload instruments one end-to-end download run.
func (t *Telemetry) InstrumentDownload(ctx context.Context, engine string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	err := t.InstrumentOperation(ctx, "download", "engine", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "download")
		defer span.End()

		// Note: download.id and asset title are intentionally NOT added as attributes
		// to prevent high cardinality issues. They are available in logs if needed.
		span.SetAttributes(
			attribute.String("download.engine", engine),
		)

		return fn(ctx)
	})

	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDownload(status, duration)

	return err
}
