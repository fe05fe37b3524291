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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/google/uuid"
)

// RotatedPath returns the n-th rotation slot of path ("path.n").
func RotatedPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// RotateFile shifts path into numbered slots, keeping at most maxFiles.
//
// # Description
//
// path.(maxFiles-1) moves to path.maxFiles (discarding what was there),
// and so on down to path moving to path.1. Each shift is a rename, so every
// slot always holds a complete file. Afterwards path does not exist until
// new content is written. Missing slots are skipped; a missing path is not
// an error and rotates nothing.
//
// # Inputs
//
//   - ctx: Checked between shifts.
//   - path: File to rotate.
//   - maxFiles: Number of numbered slots to keep. Must be at least 1.
//
// # Outputs
//
//   - error: *AtomicWriteError if maxFiles < 1 or a rename fails. Slots
//     already shifted stay shifted; no slot is ever lost or truncated.
func (m *Manager) RotateFile(ctx context.Context, path string, maxFiles int, opts ...Option) error {
	o := m.o.with(opts...)
	path = filepath.Clean(path)
	id := uuid.NewString()
	entry := o.trail.StartWithID(ctx, id, audit.KindRotate, path, map[string]any{"op_id": id, "max_files": maxFiles})

	shifted, err := m.rotate(ctx, id, path, maxFiles, o)
	if err != nil {
		entry.Fail(err, map[string]any{"shifted": shifted})
		return err
	}
	entry.Complete(map[string]any{"shifted": shifted})
	return nil
}

func (m *Manager) rotate(ctx context.Context, id, path string, maxFiles int, o options) (int, error) {
	if maxFiles < 1 {
		return 0, newWriteError(id, path, PhaseOpen, fmt.Errorf("max files must be at least 1, got %d", maxFiles))
	}
	if o.locker != nil {
		release, err := o.locker.Lock(ctx, path)
		if err != nil {
			return 0, newWriteError(id, path, PhaseStage, err)
		}
		defer release()
	}

	info, err := statIfExists(o.fs, path)
	if err != nil {
		return 0, newWriteError(id, path, PhaseOpen, err)
	}
	if info == nil {
		return 0, nil
	}

	oldest := RotatedPath(path, maxFiles)
	if err := removeQuiet(o.fs, oldest); err != nil {
		return 0, newWriteError(id, oldest, PhaseApply, err)
	}

	shifted := 0
	for n := maxFiles - 1; n >= 0; n-- {
		if err := ctx.Err(); err != nil {
			return shifted, newWriteError(id, path, PhaseApply, err)
		}
		from := path
		if n > 0 {
			from = RotatedPath(path, n)
		}
		to := RotatedPath(path, n+1)
		if err := o.fs.Rename(from, to); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return shifted, newWriteError(id, from, PhaseApply, err, "to", to)
		}
		shifted++
	}
	if !o.noSync {
		_ = syncDir(o.fs, filepath.Dir(path))
	}
	return shifted, nil
}
