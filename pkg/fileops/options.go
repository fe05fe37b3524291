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
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/AleutianAI/atomicfs/pkg/fileops/lock"
	"github.com/AleutianAI/atomicfs/pkg/fileops/schema"
	"github.com/spf13/afero"
)

const (
	// DefaultChunkThreshold is the source size above which copies are
	// streamed instead of buffered whole.
	DefaultChunkThreshold int64 = 10 << 20

	// DefaultChunkSize is the buffer size used for streamed copies.
	DefaultChunkSize = 1 << 20

	// DefaultPerm is the mode given to newly created files.
	DefaultPerm os.FileMode = 0o644
)

// Option configures writers, managers and transactions.
type Option func(*options)

type options struct {
	fs             afero.Fs
	backup         bool
	verify         bool
	schema         schema.Schema
	progress       io.Writer
	perm           os.FileMode
	permSet        bool
	trail          *audit.Trail
	logger         *slog.Logger
	locker         *lock.PathLocker
	sortKeys       bool
	noSync         bool
	kind           audit.Kind
	tracing        bool
	chunkThreshold int64
	chunkSize      int
}

func defaultOptions() options {
	return options{
		fs:             afero.NewOsFs(),
		perm:           DefaultPerm,
		kind:           audit.KindWrite,
		tracing:        true,
		chunkThreshold: DefaultChunkThreshold,
		chunkSize:      DefaultChunkSize,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.fs == nil {
		o.fs = afero.NewOsFs()
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "fileops")
	}
	if o.chunkThreshold <= 0 {
		o.chunkThreshold = DefaultChunkThreshold
	}
	if o.chunkSize <= 0 {
		o.chunkSize = DefaultChunkSize
	}
	return o
}

// with returns a copy of o with extra applied on top.
func (o options) with(extra ...Option) options {
	for _, opt := range extra {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithBackup copies an existing destination to <path>.backup before it is
// replaced. Transactions always back up deletions regardless of this flag.
func WithBackup(enabled bool) Option {
	return func(o *options) { o.backup = enabled }
}

// WithVerify re-reads the staged temp file and compares its SHA-256 with
// the digest of the serialized payload before the rename.
func WithVerify(enabled bool) Option {
	return func(o *options) { o.verify = enabled }
}

// WithSchema validates the structured payload before it is serialized.
func WithSchema(s schema.Schema) Option {
	return func(o *options) { o.schema = s }
}

// WithProgress reports write and copy progress to w.
func WithProgress(w io.Writer) Option {
	return func(o *options) { o.progress = w }
}

// WithPerm sets the mode of the published file. Without it, an existing
// destination keeps its mode and a new one gets DefaultPerm.
func WithPerm(perm os.FileMode) Option {
	return func(o *options) {
		o.perm = perm
		o.permSet = true
	}
}

// WithAudit records operations in trail. A nil trail disables auditing.
func WithAudit(trail *audit.Trail) Option {
	return func(o *options) { o.trail = trail }
}

// WithFs runs all I/O against fsys.
func WithFs(fsys afero.Fs) Option {
	return func(o *options) { o.fs = fsys }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLocker serializes operations on the same path through l.
func WithLocker(l *lock.PathLocker) Option {
	return func(o *options) { o.locker = l }
}

// WithSortedKeys emits YAML mappings in key order. JSON output is always
// key-sorted for maps.
func WithSortedKeys() Option {
	return func(o *options) { o.sortKeys = true }
}

// WithoutSync skips every fsync. Intended for tests and scratch data.
func WithoutSync() Option {
	return func(o *options) { o.noSync = true }
}

// WithOperationKind sets the audit kind recorded for a write.
func WithOperationKind(kind audit.Kind) Option {
	return func(o *options) { o.kind = kind }
}

// WithTracing enables or disables OpenTelemetry spans.
func WithTracing(enabled bool) Option {
	return func(o *options) { o.tracing = enabled }
}

// WithChunkThreshold sets the size above which copies are streamed.
func WithChunkThreshold(n int64) Option {
	return func(o *options) { o.chunkThreshold = n }
}

// WithChunkSize sets the buffer size for streamed copies.
func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}
