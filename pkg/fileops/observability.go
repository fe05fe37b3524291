// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fileops

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const fileopsTracerName = "atomicfs.fileops"

// Tracer provides OpenTelemetry tracing for writes and transactions.
//
// # Description
//
// Wraps the OpenTelemetry tracer with file-operation span creation and
// attribute management. When disabled, returns noop spans.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a new file operation tracer.
//
// # Inputs
//
//   - logger: Logger for structured logging. Uses slog.Default() if nil.
//   - enabled: Whether tracing is enabled. When false, uses noop spans.
//
// # Outputs
//
//   - *Tracer: Ready-to-use tracer instance.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(fileopsTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartWrite starts a span for an atomic write commit.
func (t *Tracer) StartWrite(ctx context.Context, opID, path string, format Format) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "fileops.write",
		trace.WithAttributes(
			attribute.String("fileops.op_id", opID),
			attribute.String("fileops.path", truncateForTrace(path, 256)),
			attribute.String("fileops.format", format.String()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "committing atomic write",
		slog.String("op_id", opID),
		slog.String("path", path),
	)

	return ctx, span
}

// EndWrite completes a write span.
//
// # Inputs
//
//   - span: The span to end.
//   - size: Bytes published (ignored on error).
//   - err: Error if the write failed.
func (t *Tracer) EndWrite(span trace.Span, size int64, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int64("fileops.size", size))
}

// StartCommit starts a span for a transaction commit.
func (t *Tracer) StartCommit(ctx context.Context, txID string, ops int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "fileops.transaction.commit",
		trace.WithAttributes(
			attribute.String("tx.id", txID),
			attribute.Int("tx.operations", ops),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "committing file transaction",
		slog.String("tx_id", txID),
		slog.Int("operations", ops),
	)

	return ctx, span
}

// EndCommit completes a transaction commit span.
func (t *Tracer) EndCommit(span trace.Span, outcome *Outcome, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if outcome != nil {
		span.SetAttributes(
			attribute.String("tx.state", string(outcome.State)),
			attribute.Int("tx.applied", len(outcome.Applied)),
			attribute.Int("tx.reversed", len(outcome.Reversed)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// StartRollback starts a child span for restoring recovery points.
func (t *Tracer) StartRollback(ctx context.Context, txID, reason string, points int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "fileops.transaction.rollback",
		trace.WithAttributes(
			attribute.String("tx.id", txID),
			attribute.String("tx.reason", truncateForTrace(reason, 100)),
			attribute.Int("tx.recovery_points", points),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "rolling back file transaction",
		slog.String("tx_id", txID),
		slog.String("reason", reason),
	)

	return ctx, span
}

// EndRollback completes a rollback span.
func (t *Tracer) EndRollback(span trace.Span, restored int, err error) {
	if span == nil {
		return
	}
	defer span.End()

	span.SetAttributes(attribute.Int("tx.restored", restored))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// truncateForTrace truncates a string for use in span attributes.
//
// If maxLen is less than 4, returns at most maxLen characters without suffix.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// LoggerWithTrace returns a logger with trace_id and span_id fields taken
// from ctx, or logger unchanged when ctx carries no valid span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
