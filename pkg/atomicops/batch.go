// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicops

import (
	"context"
	"errors"

	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/google/uuid"
)

// Batch runs fn with a context that tags every audit record created inside
// it with label. An empty label gets a generated one.
//
// # Description
//
// Batch adds no transactional guarantees of its own: each operation inside
// fn is as atomic as it would be outside. Use Transaction for
// all-or-nothing groups.
//
// # Outputs
//
//   - string: The label the records were tagged with.
//   - error: Whatever fn returned.
func (o *Operations) Batch(ctx context.Context, label string, fn func(ctx context.Context, ops *Operations) error) (string, error) {
	if fn == nil {
		return "", errors.New("batch function must not be nil")
	}
	if label == "" {
		label = "batch-" + uuid.NewString()[:8]
	}

	o.logger.Debug("batch started", "batch", label)
	err := fn(audit.WithBatch(ctx, label), o)
	if err != nil {
		o.logger.Warn("batch failed", "batch", label, "error", err)
		return label, err
	}
	o.logger.Debug("batch completed", "batch", label, "records", len(o.BatchOperations(label)))
	return label, nil
}

// BatchOperations returns the audit records tagged with label, in order.
func (o *Operations) BatchOperations(label string) []audit.Record {
	return o.trail.Operations(audit.Filter{Batch: label})
}
