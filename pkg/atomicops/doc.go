// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package atomicops is the high-level API over fileops.
//
// An Operations value owns one audit trail, one fileops.Manager and one
// path locker, and exposes:
//
//   - JSONUpdate and YAMLUpdate: read-modify-write of structured files.
//   - ConfigMerge: deep or shallow merge of JSON/YAML sources into one file.
//   - WatchMerge: ConfigMerge rerun whenever a source changes.
//   - Batch: audit records grouped under a label.
//   - CleanupBackups: age-based removal of *.backup files.
//   - WriteMany: bounded-parallel writes to distinct paths.
//   - Write, Copy, Move, Delete, Rotate and Transaction pass-throughs.
//
// With Config.CrossProcessLocks every operation also holds an flock(2)
// advisory lock on each path it touches, so several processes sharing the
// same files serialize against each other.
//
// # Usage
//
//	ops, err := atomicops.New(atomicops.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer ops.Close()
//
//	err = ops.JSONUpdate(ctx, "state.json", func(cur map[string]any) (map[string]any, error) {
//		cur["version"] = "2.0"
//		return cur, nil
//	})
package atomicops
