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
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/AleutianAI/atomicfs/pkg/fileops/schema"
	"github.com/google/uuid"
)

type writerState int

const (
	writerOpen writerState = iota
	writerCommitted
	writerAborted
)

// Writer is a scoped atomic write of one file.
//
// # Description
//
// Open begins the write and records a "started" audit entry. Write methods
// stage a payload in memory; each call replaces the previous one. Commit
// serializes the payload, writes it to a hidden temp file next to the
// destination, optionally backs up and verifies, and renames the temp file
// over the destination. Abort discards everything.
//
// On every exit path the temp file is removed and the destination holds
// either the complete new content or its untouched original.
//
// # Thread Safety
//
// Safe for concurrent use, but a Writer represents one write; sharing it
// across goroutines only serializes their calls.
type Writer struct {
	mu      sync.Mutex
	id      string
	path    string
	o       options
	logger  *slog.Logger
	tracer  *Tracer
	entry   *audit.Entry
	state   writerState
	staged  bool
	format  Format
	payload any
	tmp     string
}

// Open begins an atomic write of path.
//
// # Inputs
//
//   - ctx: Carries the audit batch label, if any.
//   - path: Destination file. Its parent directory must exist.
//   - opts: Writer options.
//
// # Outputs
//
//   - *Writer: Open writer. Caller must Commit or Abort it.
//   - error: *AtomicWriteError (phase "open") wrapping ErrParentMissing if
//     the parent directory is missing or not a directory. The failure is
//     recorded in the audit trail.
//
// # Example
//
//	w, err := fileops.Open(ctx, "/etc/app/config.json", fileops.WithBackup(true))
//	if err != nil {
//	    return err
//	}
//	w.WriteJSON(cfg)
//	return w.Commit(ctx)
func Open(ctx context.Context, path string, opts ...Option) (*Writer, error) {
	return openWriter(ctx, path, buildOptions(opts))
}

func openWriter(ctx context.Context, path string, o options) (*Writer, error) {
	w := &Writer{
		id:     uuid.NewString(),
		path:   filepath.Clean(path),
		o:      o,
		tracer: NewTracer(o.logger, o.tracing),
	}
	w.logger = o.logger.With("op_id", w.id, "path", w.path)
	w.entry = o.trail.StartWithID(ctx, w.id, o.kind, w.path, map[string]any{"op_id": w.id})

	if path == "" {
		return nil, w.failOpen(errors.New("empty path"))
	}
	dir := filepath.Dir(w.path)
	info, err := o.fs.Stat(dir)
	switch {
	case err != nil:
		return nil, w.failOpen(fmt.Errorf("%w: %s: %w", ErrParentMissing, dir, err))
	case !info.IsDir():
		return nil, w.failOpen(fmt.Errorf("%w: %s is not a directory", ErrParentMissing, dir))
	}
	return w, nil
}

func (w *Writer) failOpen(cause error) error {
	werr := newWriteError(w.id, w.path, PhaseOpen, cause)
	w.state = writerAborted
	w.entry.Fail(werr, nil)
	return werr
}

// ID returns the operation id shared with the audit record.
func (w *Writer) ID() string { return w.id }

// Path returns the destination.
func (w *Writer) Path() string { return w.path }

// WriteText stages s as a text payload.
func (w *Writer) WriteText(s string) error { return w.stage(FormatText, s) }

// WriteBytes stages b as a binary payload.
func (w *Writer) WriteBytes(b []byte) error { return w.stage(FormatBinary, b) }

// WriteJSON stages v for JSON serialization.
func (w *Writer) WriteJSON(v any) error { return w.stage(FormatJSON, v) }

// WriteYAML stages v for YAML serialization.
func (w *Writer) WriteYAML(v any) error { return w.stage(FormatYAML, v) }

// Write stages v with an explicit format.
func (w *Writer) Write(format Format, v any) error { return w.stage(format, v) }

func (w *Writer) stage(format Format, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != writerOpen {
		return newWriteError(w.id, w.path, PhaseStage, ErrWriterClosed)
	}
	w.format = format
	w.payload = v
	w.staged = true
	return nil
}

// Commit publishes the staged payload.
//
// # Description
//
// Steps, in order:
//  1. validate the structured payload against the schema, if any
//  2. serialize it per the staged format
//  3. write and fsync a hidden temp file in the destination directory
//  4. copy an existing destination to <path>.backup, if requested
//  5. compare the temp file's SHA-256 with the payload digest, if requested
//  6. rename the temp file over the destination and fsync the directory
//
// A cancelled ctx before step 6 aborts the write.
//
// # Outputs
//
//   - error: *ValidationError, *IntegrityError, or *AtomicWriteError. The
//     writer is closed either way; the audit record is completed or failed.
func (w *Writer) Commit(ctx context.Context) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != writerOpen {
		return newWriteError(w.id, w.path, PhaseCommit, ErrWriterClosed)
	}
	if !w.staged {
		err = newWriteError(w.id, w.path, PhaseCommit, ErrNothingStaged)
		w.closeFailed(err)
		return err
	}

	start := time.Now()
	ctx, span := w.tracer.StartWrite(ctx, w.id, w.path, w.format)
	incActive(ctx)

	var size int64
	defer func() {
		decActive(ctx)
		if r := recover(); r != nil {
			perr := newWriteError(w.id, w.path, PhaseCommit, fmt.Errorf("panic: %v", r))
			w.closeFailed(perr)
			w.tracer.EndWrite(span, 0, perr)
			recordWrite(ctx, w.format, 0, time.Since(start), false)
			panic(r)
		}
		w.tracer.EndWrite(span, size, err)
		recordWrite(ctx, w.format, size, time.Since(start), err == nil)
	}()

	var meta map[string]any
	size, meta, err = w.commit(ctx)
	if err != nil {
		w.closeFailed(err)
		LoggerWithTrace(ctx, w.logger).Warn("atomic write failed", "error", err)
		return err
	}

	w.state = writerCommitted
	w.payload = nil
	w.entry.Complete(meta)
	LoggerWithTrace(ctx, w.logger).Debug("atomic write committed", "size", size)
	return nil
}

func (w *Writer) commit(ctx context.Context) (int64, map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, newWriteError(w.id, w.path, PhaseStage, err)
	}

	if w.o.schema != nil {
		if err := w.o.schema.Validate(w.payload); err != nil {
			return 0, nil, &ValidationError{Path: w.path, Issues: schema.Issues(err), Cause: err}
		}
	}

	data, err := encode(w.format, w.payload, w.o.sortKeys)
	if err != nil {
		return 0, nil, newWriteError(w.id, w.path, PhaseSerialize, err, "format", w.format.String())
	}

	if w.o.locker != nil {
		release, err := w.o.locker.Lock(ctx, w.path)
		if err != nil {
			return 0, nil, newWriteError(w.id, w.path, PhaseStage, err)
		}
		defer release()
	}

	existing, err := statIfExists(w.o.fs, w.path)
	if err != nil {
		return 0, nil, newWriteError(w.id, w.path, PhaseStage, err)
	}
	if existing != nil && existing.IsDir() {
		return 0, nil, newWriteError(w.id, w.path, PhaseStage, fmt.Errorf("%s is a directory", w.path))
	}
	perm := w.o.perm
	if !w.o.permSet && existing != nil {
		perm = existing.Mode().Perm()
	}

	so := stageOpts{perm: perm, sync: !w.o.noSync, progress: w.o.progress, chunk: w.o.chunkSize}
	tmp, err := writeTemp(w.o.fs, w.path, data, so)
	if err != nil {
		return 0, nil, newWriteError(w.id, w.path, PhaseStage, err)
	}
	w.tmp = tmp

	recovery := NewRecoveryManager(w.o.fs, w.id, w.logger)
	recovery.sync = !w.o.noSync
	defer recovery.Discard()

	meta := map[string]any{
		"size":   int64(len(data)),
		"format": w.format.String(),
	}
	if w.o.backup && existing != nil {
		p, err := recovery.Capture(ctx, OpWrite, w.path, BackupPersistent)
		if err != nil {
			return 0, nil, newWriteError(w.id, w.path, PhaseBackup, err)
		}
		meta["backup"] = p.BackupPath
	}

	digest := ChecksumBytes(data)
	if w.o.verify {
		if err := VerifyFile(w.o.fs, tmp, digest); err != nil {
			var ierr *IntegrityError
			if errors.As(err, &ierr) {
				ierr.Path = w.path
				return 0, nil, ierr
			}
			return 0, nil, newWriteError(w.id, w.path, PhaseVerify, err)
		}
		meta["checksum"] = digest
	}

	if err := ctx.Err(); err != nil {
		return 0, nil, newWriteError(w.id, w.path, PhaseRename, err)
	}
	if err := w.o.fs.Rename(tmp, w.path); err != nil {
		return 0, nil, newWriteError(w.id, w.path, PhaseRename, err)
	}
	w.tmp = ""

	if !w.o.noSync {
		if err := syncDir(w.o.fs, filepath.Dir(w.path)); err != nil {
			w.logger.Debug("directory fsync failed", "error", err)
		}
	}
	return int64(len(data)), meta, nil
}

// closeFailed removes the temp artifact and records err. Caller holds mu.
func (w *Writer) closeFailed(err error) {
	if w.tmp != "" {
		if rerr := removeQuiet(w.o.fs, w.tmp); rerr != nil {
			w.logger.Warn("removing temp file failed", "temp", w.tmp, "error", rerr)
		}
		w.tmp = ""
	}
	w.state = writerAborted
	w.payload = nil
	w.entry.Fail(err, nil)
}

// Abort discards the staged payload. It is a no-op once the writer has
// committed or aborted.
func (w *Writer) Abort() {
	w.abort(ErrAborted)
}

func (w *Writer) abort(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != writerOpen {
		return
	}
	werr, ok := cause.(*AtomicWriteError)
	if !ok {
		werr = newWriteError(w.id, w.path, PhaseCommit, cause)
	}
	w.closeFailed(werr)
}

// WithWriter opens a writer on path, runs fn, and commits if fn returns
// nil. If fn returns an error or panics, the write is aborted; a panic is
// re-raised after cleanup.
func WithWriter(ctx context.Context, path string, fn func(*Writer) error, opts ...Option) (err error) {
	w, err := Open(ctx, path, opts...)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			w.abort(fmt.Errorf("%w: panic: %v", ErrAborted, r))
			panic(r)
		}
	}()

	if ferr := fn(w); ferr != nil {
		w.abort(fmt.Errorf("%w: %w", ErrAborted, ferr))
		return ferr
	}
	return w.Commit(ctx)
}

// WriteFile atomically writes one payload. p.Path overrides path when set.
func WriteFile(ctx context.Context, path string, p Payload, opts ...Option) error {
	if p.Path != "" {
		path = p.Path
	}
	w, err := Open(ctx, path, opts...)
	if err != nil {
		return err
	}
	if err := w.Write(p.Format, p.Data); err != nil {
		w.Abort()
		return err
	}
	return w.Commit(ctx)
}
