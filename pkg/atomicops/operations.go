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
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/AleutianAI/atomicfs/pkg/fileops"
	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/AleutianAI/atomicfs/pkg/fileops/lock"
)

// Config configures an Operations facade.
type Config struct {
	// Backup copies every overwritten file to <path>.backup.
	// Default: true
	Backup bool

	// Verify compares the SHA-256 of every staged file with its payload.
	// Default: true
	Verify bool

	// SortKeys emits YAML mappings in key order.
	SortKeys bool

	// AuditLog, if set, appends audit records to this JSON Lines file and
	// restores earlier records from it. AuditDB takes precedence.
	AuditLog string

	// AuditDB, if set, stores audit records in a badger database in this
	// directory.
	AuditDB string

	// CrossProcessLocks additionally takes an flock(2) advisory lock on a
	// sidecar file for every path, so cooperating processes serialize too.
	// Only meaningful on the OS filesystem.
	CrossProcessLocks bool

	// LockRetryInterval is how often a contended cross-process lock is
	// retried. Default: 50ms
	LockRetryInterval time.Duration

	// Parallelism bounds WriteMany. Default: 4
	Parallelism int

	// IncludeDeletedBackups makes CleanupBackups also remove
	// *.deleted_backup files.
	IncludeDeletedBackups bool

	// MergeDebounce is how long WatchMerge waits for sources to settle.
	// Default: 100ms
	MergeDebounce time.Duration

	// MaxMergeRate caps WatchMerge at this many merges per second on top of
	// the debounce. Zero means no cap.
	MaxMergeRate float64
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Backup:            true,
		Verify:            true,
		LockRetryInterval: 50 * time.Millisecond,
		Parallelism:       4,
		MergeDebounce:     100 * time.Millisecond,
	}
}

// Operations is the high-level API over fileops: read-modify-write
// updates, config merging, batches, backup cleanup and the pass-through
// mutations, all sharing one audit trail and one path locker.
//
// # Thread Safety
//
// Safe for concurrent use. Operations on the same path are serialized.
type Operations struct {
	cfg     Config
	trail   *audit.Trail
	locker  *lock.PathLocker
	manager *fileops.Manager
	logger  *slog.Logger
}

// New creates the facade and the audit trail it owns.
//
// # Inputs
//
//   - cfg: Facade configuration. Zero durations and limits use defaults.
//   - opts: Extra fileops options applied to every operation (WithFs,
//     WithLogger, WithoutSync, ...). WithAudit here replaces the trail
//     built from cfg.
//
// # Outputs
//
//   - *Operations: Ready to use. Call Close to release the audit sink.
//   - error: Non-nil if the audit log or database could not be opened.
func New(cfg Config, opts ...fileops.Option) (*Operations, error) {
	if cfg.LockRetryInterval <= 0 {
		cfg.LockRetryInterval = 50 * time.Millisecond
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.MergeDebounce <= 0 {
		cfg.MergeDebounce = 100 * time.Millisecond
	}

	logger := slog.Default().With("component", "atomicops")
	trail, err := openTrail(cfg, logger)
	if err != nil {
		return nil, err
	}

	o := &Operations{
		cfg:    cfg,
		trail:  trail,
		locker: lock.NewPathLocker(),
		logger: logger,
	}

	base := []fileops.Option{
		fileops.WithBackup(cfg.Backup),
		fileops.WithVerify(cfg.Verify),
		fileops.WithAudit(trail),
		fileops.WithLocker(o.locker),
	}
	if cfg.SortKeys {
		base = append(base, fileops.WithSortedKeys())
	}
	o.manager = fileops.NewManager(append(base, opts...)...)
	if mt := o.manager.Trail(); mt != trail {
		// replaced by a caller-supplied WithAudit
		_ = trail.Close()
		o.trail = mt
	}
	return o, nil
}

func openTrail(cfg Config, logger *slog.Logger) (*audit.Trail, error) {
	switch {
	case cfg.AuditDB != "":
		sink, err := audit.OpenBadgerSink(audit.DefaultBadgerConfig(cfg.AuditDB))
		if err != nil {
			return nil, fmt.Errorf("opening audit database: %w", err)
		}
		records, err := sink.Records()
		if err != nil {
			sink.Close()
			return nil, fmt.Errorf("loading audit database: %w", err)
		}
		return audit.Replay(records, audit.WithSink(sink), audit.WithLogger(logger)), nil
	case cfg.AuditLog != "":
		trail, err := audit.OpenLog(cfg.AuditLog)
		if err != nil {
			return nil, err
		}
		return trail, nil
	default:
		return audit.New(audit.WithLogger(logger)), nil
	}
}

// Close closes the audit sink.
func (o *Operations) Close() error { return o.trail.Close() }

// Trail returns the audit trail.
func (o *Operations) Trail() *audit.Trail { return o.trail }

// Manager returns the underlying fileops manager.
func (o *Operations) Manager() *fileops.Manager { return o.manager }

// Summary returns aggregate counts over every audited operation.
func (o *Operations) Summary() audit.Summary { return o.trail.Summary() }

// JSONUpdate atomically rewrites a JSON file with fn's result.
func (o *Operations) JSONUpdate(ctx context.Context, path string, fn fileops.UpdateFunc, opts ...fileops.Option) error {
	release, err := o.crossLock(ctx, "json update", path)
	if err != nil {
		return err
	}
	defer release()
	return o.manager.UpdateJSON(ctx, path, fn, opts...)
}

// YAMLUpdate atomically rewrites a YAML file with fn's result.
func (o *Operations) YAMLUpdate(ctx context.Context, path string, fn fileops.UpdateFunc, opts ...fileops.Option) error {
	release, err := o.crossLock(ctx, "yaml update", path)
	if err != nil {
		return err
	}
	defer release()
	return o.manager.UpdateYAML(ctx, path, fn, opts...)
}

// Write atomically writes one payload.
func (o *Operations) Write(ctx context.Context, p fileops.Payload, opts ...fileops.Option) error {
	release, err := o.crossLock(ctx, "write", p.Path)
	if err != nil {
		return err
	}
	defer release()
	return o.manager.WriteFile(ctx, p, opts...)
}

// Copy copies src to dst atomically.
func (o *Operations) Copy(ctx context.Context, src, dst string, opts ...fileops.Option) error {
	release, err := o.crossLock(ctx, "copy", src, dst)
	if err != nil {
		return err
	}
	defer release()
	return o.manager.SafeCopy(ctx, src, dst, opts...)
}

// Move moves src to dst, falling back to copy and remove across devices.
func (o *Operations) Move(ctx context.Context, src, dst string, opts ...fileops.Option) error {
	release, err := o.crossLock(ctx, "move", src, dst)
	if err != nil {
		return err
	}
	defer release()
	return o.manager.SafeMove(ctx, src, dst, opts...)
}

// Delete removes path, keeping <path>.deleted_backup.
func (o *Operations) Delete(ctx context.Context, path string, opts ...fileops.Option) error {
	release, err := o.crossLock(ctx, "delete", path)
	if err != nil {
		return err
	}
	defer release()
	return o.manager.Delete(ctx, path, opts...)
}

// Rotate shifts path into numbered slots, keeping maxFiles of them.
func (o *Operations) Rotate(ctx context.Context, path string, maxFiles int, opts ...fileops.Option) error {
	release, err := o.crossLock(ctx, "rotate", path)
	if err != nil {
		return err
	}
	defer release()
	return o.manager.RotateFile(ctx, path, maxFiles, opts...)
}

// Transaction runs fn against a new transaction and commits it when fn
// returns nil. An error or panic from fn discards the transaction without
// touching the filesystem.
func (o *Operations) Transaction(ctx context.Context, fn func(*fileops.Transaction) error, opts ...fileops.Option) (*fileops.Outcome, error) {
	tx := o.manager.NewTransaction(opts...)

	defer func() {
		if r := recover(); r != nil {
			tx.Discard()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Discard()
		return &fileops.Outcome{TxID: tx.ID(), State: fileops.TxRolledBack, Reason: err.Error()}, err
	}
	if tx.State() != fileops.TxPending {
		return nil, fmt.Errorf("%w: transaction %s must be committed by the facade", fileops.ErrTransactionState, tx.ID())
	}

	release, err := o.crossLock(ctx, "transaction "+tx.ID(), tx.Paths()...)
	if err != nil {
		tx.Discard()
		return &fileops.Outcome{TxID: tx.ID(), State: fileops.TxRolledBack, Reason: err.Error()}, err
	}
	defer release()
	return tx.Commit(ctx)
}

// crossLock takes cross-process locks on paths when enabled. Paths are
// sorted and deduplicated so two processes never deadlock.
func (o *Operations) crossLock(ctx context.Context, reason string, paths ...string) (func(), error) {
	if !o.cfg.CrossProcessLocks {
		return func() {}, nil
	}

	var held []*lock.FileLock
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(); err != nil {
				o.logger.Warn("releasing file lock failed", "path", held[i].Path(), "error", err)
			}
		}
	}
	for _, p := range sortedUnique(paths) {
		l, err := lock.AcquireFileLockContext(ctx, p, reason, o.cfg.LockRetryInterval)
		if err != nil {
			releaseAll()
			if errors.Is(err, errors.ErrUnsupported) {
				return nil, fmt.Errorf("cross-process locks are not supported on this platform: %w", err)
			}
			return nil, err
		}
		held = append(held, l)
	}
	return releaseAll, nil
}

func sortedUnique(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			out = append(out, filepath.Clean(p))
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
