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
	"github.com/spf13/afero"
)

// UpdateFunc transforms the current content of a structured file. The map
// passed in is the decoded file, or an empty map if the file is absent.
type UpdateFunc func(current map[string]any) (map[string]any, error)

// Manager bundles single-file helpers built on the atomic writer: read-
// modify-write updates, safe copy and move, delete with backup, and
// rotation. It holds no per-file state.
//
// # Thread Safety
//
// Safe for concurrent use. Operations on the same path race unless a
// PathLocker is configured with WithLocker.
type Manager struct {
	o options
}

// NewManager creates a Manager. The options become defaults for every
// operation and may be extended per call.
func NewManager(opts ...Option) *Manager {
	o := buildOptions(opts)
	o.logger = o.logger.With("component", "fileops.Manager")
	return &Manager{o: o}
}

// Fs returns the filesystem the manager operates on.
func (m *Manager) Fs() afero.Fs { return m.o.fs }

// Trail returns the audit trail, which may be nil.
func (m *Manager) Trail() *audit.Trail { return m.o.trail }

// Open begins an atomic write with the manager's defaults.
func (m *Manager) Open(ctx context.Context, path string, opts ...Option) (*Writer, error) {
	return openWriter(ctx, path, m.o.with(opts...))
}

// WriteFile atomically writes one payload with the manager's defaults.
func (m *Manager) WriteFile(ctx context.Context, p Payload, opts ...Option) error {
	w, err := m.Open(ctx, p.Path, opts...)
	if err != nil {
		return err
	}
	if err := w.Write(p.Format, p.Data); err != nil {
		w.Abort()
		return err
	}
	return w.Commit(ctx)
}

// ReadJSON decodes a JSON object. A missing file yields an empty map.
func (m *Manager) ReadJSON(path string) (map[string]any, error) {
	return m.readMap(path, FormatJSON)
}

// ReadYAML decodes a YAML mapping. A missing file yields an empty map.
func (m *Manager) ReadYAML(path string) (map[string]any, error) {
	return m.readMap(path, FormatYAML)
}

// ReadStructured decodes path according to its extension.
func (m *Manager) ReadStructured(path string) (map[string]any, Format, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, 0, err
	}
	data, err := m.readMap(path, format)
	return data, format, err
}

func (m *Manager) readMap(path string, format Format) (map[string]any, error) {
	data, err := afero.ReadFile(m.o.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	out, err := decodeMap(format, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// UpdateJSON reads path as JSON, applies fn, and atomically writes the
// result. If reading, fn, or the write fails, path is left untouched and
// the failure is returned as *AtomicWriteError (or *ValidationError when a
// schema rejects the result).
func (m *Manager) UpdateJSON(ctx context.Context, path string, fn UpdateFunc, opts ...Option) error {
	return m.update(ctx, path, FormatJSON, fn, opts)
}

// UpdateYAML is UpdateJSON for YAML files.
func (m *Manager) UpdateYAML(ctx context.Context, path string, fn UpdateFunc, opts ...Option) error {
	return m.update(ctx, path, FormatYAML, fn, opts)
}

func (m *Manager) update(ctx context.Context, path string, format Format, fn UpdateFunc, opts []Option) error {
	o := m.o.with(append([]Option{WithOperationKind(audit.KindUpdate)}, opts...)...)
	w, err := openWriter(ctx, path, o)
	if err != nil {
		return err
	}

	// the lock spans read through commit so concurrent updates serialize
	if w.o.locker != nil {
		release, err := w.o.locker.Lock(ctx, w.path)
		if err != nil {
			werr := newWriteError(w.id, w.path, PhaseRead, err)
			w.abort(werr)
			return werr
		}
		defer release()
		w.o.locker = nil
	}

	current, err := m.readMap(w.path, format)
	if err != nil {
		werr := newWriteError(w.id, w.path, PhaseRead, err)
		w.abort(werr)
		return werr
	}

	next, err := applyUpdate(fn, current)
	if err != nil {
		werr := newWriteError(w.id, w.path, PhaseUpdate, err)
		w.abort(werr)
		return werr
	}

	if err := w.Write(format, next); err != nil {
		w.Abort()
		return err
	}
	return w.Commit(ctx)
}

// applyUpdate runs fn, converting a panic into an error so the writer is
// always closed.
func applyUpdate(fn UpdateFunc, current map[string]any) (next map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update function panicked: %v", r)
		}
	}()
	next, err = fn(current)
	if err == nil && next == nil {
		next = map[string]any{}
	}
	return next, err
}

// SafeCopy copies src to dst through a temp file and an atomic rename.
//
// # Description
//
// Sources above the chunk threshold are streamed with a fixed buffer;
// smaller ones are read whole. dst gets src's mode unless WithPerm is
// given. With WithBackup an existing dst is backed up first; with
// WithVerify the staged copy is re-read and compared with the digest of
// the bytes read from src.
func (m *Manager) SafeCopy(ctx context.Context, src, dst string, opts ...Option) error {
	o := m.o.with(opts...)
	src, dst = filepath.Clean(src), filepath.Clean(dst)
	id := uuid.NewString()
	entry := o.trail.StartWithID(ctx, id, audit.KindCopy, dst, map[string]any{"op_id": id, "source": src})

	size, err := m.copy(ctx, id, src, dst, o)
	if err != nil {
		entry.Fail(err, nil)
		return err
	}
	entry.Complete(map[string]any{"size": size})
	return nil
}

func (m *Manager) copy(ctx context.Context, id, src, dst string, o options) (int64, error) {
	if o.locker != nil {
		release, err := o.locker.Lock(ctx, src, dst)
		if err != nil {
			return 0, newWriteError(id, dst, PhaseStage, err)
		}
		defer release()
	}
	if err := checkParent(o.fs, dst); err != nil {
		return 0, newWriteError(id, dst, PhaseOpen, err)
	}

	so := stageOpts{sync: !o.noSync, progress: o.progress, chunk: o.chunkSize}
	if o.permSet {
		so.perm = o.perm
	}
	tmp, digest, size, err := stageCopy(ctx, o.fs, src, dst, o.chunkThreshold, so)
	if err != nil {
		return 0, newWriteError(id, dst, PhaseStage, err, "source", src)
	}
	published := false
	defer func() {
		if !published {
			_ = removeQuiet(o.fs, tmp)
		}
	}()

	if o.verify {
		if err := VerifyFile(o.fs, tmp, digest); err != nil {
			var ierr *IntegrityError
			if errors.As(err, &ierr) {
				ierr.Path = dst
				return 0, ierr
			}
			return 0, newWriteError(id, dst, PhaseVerify, err)
		}
	}

	if err := m.backupIfExists(ctx, dst, o); err != nil {
		return 0, newWriteError(id, dst, PhaseBackup, err)
	}

	if err := ctx.Err(); err != nil {
		return 0, newWriteError(id, dst, PhaseRename, err)
	}
	if err := o.fs.Rename(tmp, dst); err != nil {
		return 0, newWriteError(id, dst, PhaseRename, err)
	}
	published = true
	if !o.noSync {
		_ = syncDir(o.fs, filepath.Dir(dst))
	}
	return size, nil
}

func checkParent(fsys afero.Fs, path string) error {
	dir := filepath.Dir(path)
	info, err := fsys.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrParentMissing, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrParentMissing, dir)
	}
	return nil
}

func (m *Manager) backupIfExists(ctx context.Context, path string, o options) error {
	if !o.backup {
		return nil
	}
	info, err := statIfExists(o.fs, path)
	if err != nil || info == nil {
		return err
	}
	return copyAtomic(ctx, o.fs, path, BackupPath(path), o.chunkThreshold,
		stageOpts{perm: info.Mode().Perm(), sync: !o.noSync, chunk: o.chunkSize})
}

// SafeMove moves src to dst. A same-filesystem rename is tried first;
// if that fails, src is copied with SafeCopy semantics and removed only
// after dst has been published.
func (m *Manager) SafeMove(ctx context.Context, src, dst string, opts ...Option) error {
	o := m.o.with(opts...)
	src, dst = filepath.Clean(src), filepath.Clean(dst)
	id := uuid.NewString()
	entry := o.trail.StartWithID(ctx, id, audit.KindMove, dst, map[string]any{"op_id": id, "source": src})

	method, err := m.move(ctx, id, src, dst, o)
	if err != nil {
		entry.Fail(err, nil)
		return err
	}
	entry.Complete(map[string]any{"method": method})
	return nil
}

func (m *Manager) move(ctx context.Context, id, src, dst string, o options) (string, error) {
	info, err := o.fs.Stat(src)
	if err != nil {
		return "", newWriteError(id, dst, PhaseOpen, err, "source", src)
	}
	if info.IsDir() {
		return "", newWriteError(id, dst, PhaseOpen, fmt.Errorf("source %s is a directory", src))
	}
	if err := checkParent(o.fs, dst); err != nil {
		return "", newWriteError(id, dst, PhaseOpen, err)
	}

	if o.locker != nil {
		release, err := o.locker.Lock(ctx, src, dst)
		if err != nil {
			return "", newWriteError(id, dst, PhaseStage, err)
		}
		// copy fallback takes the lock itself
		o.locker = nil
		defer release()
	}

	if err := m.backupIfExists(ctx, dst, o); err != nil {
		return "", newWriteError(id, dst, PhaseBackup, err)
	}
	if err := ctx.Err(); err != nil {
		return "", newWriteError(id, dst, PhaseRename, err)
	}
	renameErr := o.fs.Rename(src, dst)
	if renameErr == nil {
		if !o.noSync {
			_ = syncDir(o.fs, filepath.Dir(dst))
		}
		return "rename", nil
	}
	o.logger.Debug("rename failed, falling back to copy",
		"source", src,
		"destination", dst,
		"error", renameErr)

	o.backup = false // already taken
	if _, err := m.copy(ctx, id, src, dst, o); err != nil {
		return "", err
	}
	if err := o.fs.Remove(src); err != nil {
		return "", newWriteError(id, src, PhaseCleanup, err, "destination", dst)
	}
	return "copy", nil
}

// Delete removes path after copying it to <path>.deleted_backup. The
// backup is always taken and kept.
func (m *Manager) Delete(ctx context.Context, path string, opts ...Option) error {
	o := m.o.with(opts...)
	path = filepath.Clean(path)
	id := uuid.NewString()
	entry := o.trail.StartWithID(ctx, id, audit.KindDelete, path, map[string]any{"op_id": id})

	backup, err := m.delete(ctx, id, path, o)
	if err != nil {
		entry.Fail(err, nil)
		return err
	}
	entry.Complete(map[string]any{"backup": backup})
	return nil
}

func (m *Manager) delete(ctx context.Context, id, path string, o options) (string, error) {
	if o.locker != nil {
		release, err := o.locker.Lock(ctx, path)
		if err != nil {
			return "", newWriteError(id, path, PhaseStage, err)
		}
		defer release()
	}
	info, err := o.fs.Stat(path)
	if err != nil {
		return "", newWriteError(id, path, PhaseOpen, err)
	}
	if info.IsDir() {
		return "", newWriteError(id, path, PhaseOpen, fmt.Errorf("%s is a directory", path))
	}
	backup := DeletedBackupPath(path)
	so := stageOpts{perm: info.Mode().Perm(), sync: !o.noSync, chunk: o.chunkSize}
	if err := copyAtomic(ctx, o.fs, path, backup, o.chunkThreshold, so); err != nil {
		return "", newWriteError(id, path, PhaseBackup, err)
	}
	if err := ctx.Err(); err != nil {
		return "", newWriteError(id, path, PhaseApply, err)
	}
	if err := o.fs.Remove(path); err != nil {
		return "", newWriteError(id, path, PhaseApply, err)
	}
	return backup, nil
}
