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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/atomicfs/pkg/fileops"
	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/spf13/afero"
)

// CleanupOption adjusts one CleanupBackups call.
type CleanupOption func(*cleanupOptions)

type cleanupOptions struct {
	includeDeleted bool
}

// IncludeDeleted makes one call also remove *.deleted_backup files,
// regardless of Config.IncludeDeletedBackups.
func IncludeDeleted() CleanupOption {
	return func(c *cleanupOptions) { c.includeDeleted = true }
}

// CleanupBackups removes backup files under dir whose modification time is
// older than maxAge.
//
// # Description
//
// The walk is recursive. *.backup files are always candidates;
// *.deleted_backup files only with Config.IncludeDeletedBackups or the
// IncludeDeleted option.
// A file that cannot be removed does not stop the walk; every failure is
// joined into the returned error.
//
// # Inputs
//
//   - ctx: Checked between files.
//   - dir: Root directory to scan.
//   - maxAge: Minimum age of a backup to remove. Zero removes every backup.
//
// # Outputs
//
//   - int: Number of files removed.
//   - error: Non-nil if dir cannot be walked or any removal failed.
func (o *Operations) CleanupBackups(ctx context.Context, dir string, maxAge time.Duration, opts ...CleanupOption) (int, error) {
	co := cleanupOptions{includeDeleted: o.cfg.IncludeDeletedBackups}
	for _, opt := range opts {
		opt(&co)
	}
	if maxAge < 0 {
		return 0, fmt.Errorf("max age must not be negative, got %s", maxAge)
	}
	fsys := o.manager.Fs()
	cutoff := time.Now().Add(-maxAge)
	entry := o.trail.Start(ctx, audit.KindCleanup, dir, map[string]any{"max_age": maxAge.String()})

	removed := 0
	var errs []error
	walkErr := afero.Walk(fsys, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			errs = append(errs, err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.IsDir() || !isBackup(path, co.includeDeleted) || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := fsys.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
			return nil
		}
		removed++
		o.logger.Debug("backup removed", "path", path, "age", time.Since(info.ModTime()).Round(time.Second))
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}

	meta := map[string]any{"removed": removed}
	if err := errors.Join(errs...); err != nil {
		entry.Fail(err, meta)
		return removed, err
	}
	entry.Complete(meta)
	if removed > 0 {
		o.logger.Info("backups cleaned up", "dir", dir, "removed", removed)
	}
	return removed, nil
}

func isBackup(path string, includeDeleted bool) bool {
	if strings.HasSuffix(path, fileops.BackupSuffix) {
		return true
	}
	return includeDeleted && strings.HasSuffix(path, fileops.DeletedBackupSuffix)
}
