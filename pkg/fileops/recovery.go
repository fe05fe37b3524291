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
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// OpKind is the kind of filesystem mutation a recovery point undoes.
type OpKind string

const (
	OpWrite  OpKind = "write"
	OpCopy   OpKind = "copy"
	OpMove   OpKind = "move"
	OpDelete OpKind = "delete"
)

// RecoveryPoint is enough information to undo one applied operation.
type RecoveryPoint struct {
	Kind OpKind

	// OriginalPath is the path the operation changed.
	OriginalPath string

	// BackupPath holds the content OriginalPath had before the operation.
	// Empty means OriginalPath did not exist and undo removes it.
	BackupPath string

	// MovedFrom is set for moves: undo renames OriginalPath back here.
	MovedFrom string

	// Persistent marks BackupPath as a user-visible artifact (.backup or
	// .deleted_backup) that survives both commit and rollback. Internal
	// rollback copies are removed once no longer needed.
	Persistent bool

	CreatedAt time.Time

	// guard points undo a backup file written in this scope; they are not
	// reported as reversed operations.
	guard bool
}

// String describes the point for rollback reports.
func (p RecoveryPoint) String() string {
	switch {
	case p.MovedFrom != "":
		return fmt.Sprintf("%s %s -> %s", p.Kind, p.MovedFrom, p.OriginalPath)
	case p.BackupPath == "":
		return fmt.Sprintf("%s %s (created)", p.Kind, p.OriginalPath)
	default:
		return fmt.Sprintf("%s %s", p.Kind, p.OriginalPath)
	}
}

// BackupMode selects how Capture preserves the current content of a path.
type BackupMode int

const (
	// BackupInternal copies to a hidden rollback file removed on Discard.
	BackupInternal BackupMode = iota

	// BackupPersistent copies to <path>.backup, kept after Discard.
	BackupPersistent

	// BackupDeleted copies to <path>.deleted_backup, kept after Discard.
	BackupDeleted
)

// RecoveryManager is a LIFO stack of recovery points scoped to one write
// or one transaction.
//
// # Description
//
// Points are pushed before each destructive step. Rollback pops and applies
// them newest first, so an operation that depended on the state left by an
// earlier one is undone before that earlier one. Each point is applied at
// most once: Rollback empties the stack, and Discard clears it after a
// successful commit.
//
// # Thread Safety
//
// Safe for concurrent use, though a single transaction drives it sequentially.
type RecoveryManager struct {
	mu     sync.Mutex
	fs     afero.Fs
	logger *slog.Logger
	scope  string
	sync   bool
	points []RecoveryPoint
}

// NewRecoveryManager creates an empty stack operating on fsys. scope names
// internal rollback files of this manager and must be unique per manager.
func NewRecoveryManager(fsys afero.Fs, scope string, logger *slog.Logger) *RecoveryManager {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default().With("component", "fileops.RecoveryManager")
	}
	if scope == "" {
		scope = uniqueToken()
	}
	return &RecoveryManager{fs: fsys, logger: logger, scope: scope, sync: true}
}

// AddRecoveryPoint pushes a point whose backup already exists.
// backupPath "" records that path is new and undo removes it.
func (r *RecoveryManager) AddRecoveryPoint(kind OpKind, path, backupPath string) {
	r.push(RecoveryPoint{
		Kind:         kind,
		OriginalPath: path,
		BackupPath:   backupPath,
		Persistent:   backupPath != "",
		CreatedAt:    time.Now().UTC(),
	})
}

// AddMovePoint records that src was renamed to dst.
func (r *RecoveryManager) AddMovePoint(src, dst, dstBackup string, persistent bool) {
	r.push(RecoveryPoint{
		Kind:         OpMove,
		OriginalPath: dst,
		BackupPath:   dstBackup,
		MovedFrom:    src,
		Persistent:   persistent,
		CreatedAt:    time.Now().UTC(),
	})
}

// Capture preserves the current content of path according to mode and
// pushes the resulting point.
//
// # Description
//
// If path does not exist, the point has no backup and undo removes the
// path. Otherwise the content is copied (never moved) and fsynced so the
// backup is complete on disk before the caller changes path.
//
// # Outputs
//
//   - RecoveryPoint: The pushed point.
//   - error: Non-nil if the backup could not be written; nothing is pushed.
func (r *RecoveryManager) Capture(ctx context.Context, kind OpKind, path string, mode BackupMode) (RecoveryPoint, error) {
	backup, persistent, err := r.preserve(ctx, path, mode)
	if err != nil {
		return RecoveryPoint{}, err
	}
	p := RecoveryPoint{
		Kind:         kind,
		OriginalPath: path,
		BackupPath:   backup,
		Persistent:   persistent,
		CreatedAt:    time.Now().UTC(),
	}
	r.push(p)
	return p, nil
}

// CaptureMove preserves dst (if it exists) and pushes a move point for
// src -> dst.
func (r *RecoveryManager) CaptureMove(ctx context.Context, src, dst string, mode BackupMode) (RecoveryPoint, error) {
	backup, persistent, err := r.preserve(ctx, dst, mode)
	if err != nil {
		return RecoveryPoint{}, err
	}
	p := RecoveryPoint{
		Kind:         OpMove,
		OriginalPath: dst,
		BackupPath:   backup,
		MovedFrom:    src,
		Persistent:   persistent,
		CreatedAt:    time.Now().UTC(),
	}
	r.push(p)
	return p, nil
}

func (r *RecoveryManager) preserve(ctx context.Context, path string, mode BackupMode) (string, bool, error) {
	info, err := statIfExists(r.fs, path)
	if err != nil {
		return "", false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info == nil {
		return "", false, nil
	}

	var backup string
	persistent := true
	switch mode {
	case BackupPersistent:
		backup = BackupPath(path)
	case BackupDeleted:
		backup = DeletedBackupPath(path)
	}
	// A user-visible backup already taken in this scope holds the
	// pre-scope content and must not be overwritten by a later capture.
	if backup == "" || r.hasBackup(backup) {
		backup = rollbackName(path, fmt.Sprintf("%s.%d", r.scope, r.Len()))
		persistent = false
	}

	// path already changed in this scope, so the backup would hold content
	// this scope produced: rollback must put the old backup file back.
	if persistent && r.touched(path) {
		if err := r.guardBackup(ctx, backup); err != nil {
			return "", false, err
		}
	}

	so := stageOpts{perm: info.Mode().Perm(), sync: r.sync}
	if err := copyAtomic(ctx, r.fs, path, backup, DefaultChunkThreshold, so); err != nil {
		return "", false, fmt.Errorf("backing up %s: %w", path, err)
	}
	return backup, persistent, nil
}

// guardBackup pushes a point restoring backup to its current state: an
// internal copy if it exists, removal if it does not.
func (r *RecoveryManager) guardBackup(ctx context.Context, backup string) error {
	info, err := statIfExists(r.fs, backup)
	if err != nil {
		return fmt.Errorf("stat %s: %w", backup, err)
	}
	p := RecoveryPoint{Kind: OpWrite, OriginalPath: backup, CreatedAt: time.Now().UTC(), guard: true}
	if info != nil {
		p.BackupPath = rollbackName(backup, fmt.Sprintf("%s.%d", r.scope, r.Len()))
		so := stageOpts{perm: info.Mode().Perm(), sync: r.sync}
		if err := copyAtomic(ctx, r.fs, backup, p.BackupPath, DefaultChunkThreshold, so); err != nil {
			return fmt.Errorf("preserving %s: %w", backup, err)
		}
	}
	r.push(p)
	return nil
}

// touched reports whether an earlier point in this scope changed path.
func (r *RecoveryManager) touched(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.points {
		if !p.guard && p.OriginalPath == path {
			return true
		}
	}
	return false
}

func (r *RecoveryManager) hasBackup(backup string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.points {
		if p.BackupPath == backup {
			return true
		}
	}
	return false
}

func (r *RecoveryManager) push(p RecoveryPoint) {
	r.mu.Lock()
	r.points = append(r.points, p)
	r.mu.Unlock()
}

// Len returns the number of pending points.
func (r *RecoveryManager) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}

// Points returns a copy of the pending points, oldest first.
func (r *RecoveryManager) Points() []RecoveryPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecoveryPoint, len(r.points))
	copy(out, r.points)
	return out
}

// Rollback applies every pending point newest first and empties the stack.
//
// # Description
//
// Each point restores its path:
//   - no backup: the path is removed (already absent is fine)
//   - move: the destination is renamed back to its source, then the
//     destination's previous content, if any, is restored
//   - backup: the backup content is published over the path via temp file
//     and rename
//
// Failures do not stop the rollback; every point is attempted.
//
// # Outputs
//
//   - []string: Descriptions of the points restored, in the order applied.
//   - error: errors.Join of every restore failure, nil if all succeeded.
func (r *RecoveryManager) Rollback(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	points := r.points
	r.points = nil
	r.mu.Unlock()

	// restores run even when ctx is already cancelled
	ctx = context.WithoutCancel(ctx)

	var restored []string
	var errs []error
	for i := len(points) - 1; i >= 0; i-- {
		p := points[i]
		if err := r.restore(ctx, p); err != nil {
			r.logger.Error("recovery point restore failed",
				"kind", p.Kind,
				"path", p.OriginalPath,
				"backup", p.BackupPath,
				"error", err)
			errs = append(errs, fmt.Errorf("restoring %s: %w", p.OriginalPath, err))
			continue
		}
		if !p.guard {
			restored = append(restored, p.String())
		}
		r.dropInternal(p)
	}
	return restored, errors.Join(errs...)
}

func (r *RecoveryManager) restore(ctx context.Context, p RecoveryPoint) error {
	if p.MovedFrom != "" {
		// a source that still exists means the rename never happened
		_, err := r.fs.Stat(p.MovedFrom)
		switch {
		case errors.Is(err, os.ErrNotExist):
			if err := r.fs.Rename(p.OriginalPath, p.MovedFrom); err != nil {
				return err
			}
		case err != nil:
			return err
		}
		if p.BackupPath == "" {
			return nil
		}
	}

	if p.BackupPath == "" {
		return removeQuiet(r.fs, p.OriginalPath)
	}

	info, err := r.fs.Stat(p.BackupPath)
	if err != nil {
		return fmt.Errorf("backup unavailable: %w", err)
	}
	so := stageOpts{perm: info.Mode().Perm(), sync: r.sync}
	if p.Persistent {
		return copyAtomic(ctx, r.fs, p.BackupPath, p.OriginalPath, DefaultChunkThreshold, so)
	}
	// internal copies are consumed by the restore
	if err := r.fs.Rename(p.BackupPath, p.OriginalPath); err != nil {
		return err
	}
	if r.sync {
		_ = syncDir(r.fs, filepath.Dir(p.OriginalPath))
	}
	return nil
}

func (r *RecoveryManager) dropInternal(p RecoveryPoint) {
	if p.Persistent || p.BackupPath == "" {
		return
	}
	if err := removeQuiet(r.fs, p.BackupPath); err != nil {
		r.logger.Warn("removing rollback copy failed",
			"path", p.BackupPath,
			"error", err)
	}
}

// Discard clears the stack after a successful commit. Internal rollback
// copies are deleted; .backup and .deleted_backup files are kept.
func (r *RecoveryManager) Discard() {
	r.mu.Lock()
	points := r.points
	r.points = nil
	r.mu.Unlock()

	for _, p := range points {
		r.dropInternal(p)
	}
}
