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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for file operation metrics.
var meter = otel.Meter("atomicfs.fileops")

// Metric instruments for atomic writes and transactions.
var (
	writeTotal     metric.Int64Counter
	bytesWritten   metric.Int64Counter
	writeDuration  metric.Float64Histogram
	commitTotal    metric.Int64Counter
	rollbackTotal  metric.Int64Counter
	txOperations   metric.Int64Histogram
	rollbackErrors metric.Int64Counter
	activeWriters  metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		writeTotal, err = meter.Int64Counter(
			"fileops_write_total",
			metric.WithDescription("Total number of atomic write commits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		bytesWritten, err = meter.Int64Counter(
			"fileops_bytes_written_total",
			metric.WithDescription("Bytes published by successful atomic writes"),
			metric.WithUnit("By"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		writeDuration, err = meter.Float64Histogram(
			"fileops_write_duration_seconds",
			metric.WithDescription("Duration of atomic write commits in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		commitTotal, err = meter.Int64Counter(
			"fileops_transaction_commit_total",
			metric.WithDescription("Total number of file transaction commits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackTotal, err = meter.Int64Counter(
			"fileops_transaction_rollback_total",
			metric.WithDescription("Total number of file transaction rollbacks"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		txOperations, err = meter.Int64Histogram(
			"fileops_transaction_operations",
			metric.WithDescription("Number of operations per file transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackErrors, err = meter.Int64Counter(
			"fileops_rollback_errors_total",
			metric.WithDescription("Recovery points that could not be restored"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeWriters, err = meter.Int64UpDownCounter(
			"fileops_active_writers",
			metric.WithDescription("Number of atomic writers currently committing"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// recordWrite records one atomic write commit.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - format: Serialization format of the payload.
//   - size: Bytes written (ignored on failure).
//   - duration: Time spent in Commit.
//   - success: Whether the write was published.
func recordWrite(ctx context.Context, format Format, size int64, duration time.Duration, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("format", format.String()),
		attribute.String("status", statusLabel(success)),
	)
	writeTotal.Add(ctx, 1, attrs)
	writeDuration.Record(ctx, duration.Seconds(), attrs)
	if success {
		bytesWritten.Add(ctx, size, metric.WithAttributes(attribute.String("format", format.String())))
	}
}

// recordCommit records a transaction commit.
func recordCommit(ctx context.Context, ops int, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", statusLabel(success)))
	commitTotal.Add(ctx, 1, attrs)
	txOperations.Record(ctx, int64(ops), attrs)
}

// recordRollback records a transaction rollback.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - phase: Where the failure happened (stage, apply, context).
//   - failures: Recovery points that failed to restore.
func recordRollback(ctx context.Context, phase string, failures int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	rollbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", normalizeRollbackPhase(phase))))
	if failures > 0 {
		rollbackErrors.Add(ctx, int64(failures))
	}
}

// normalizeRollbackPhase bounds the phase label set.
func normalizeRollbackPhase(phase string) string {
	switch Phase(phase) {
	case PhaseStage, PhaseApply, PhaseValidate:
		return phase
	case "context":
		return "context"
	default:
		return "other"
	}
}

func incActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	activeWriters.Add(ctx, 1)
}

func decActive(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	activeWriters.Add(ctx, -1)
}
