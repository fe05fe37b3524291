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

	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/AleutianAI/atomicfs/pkg/fileops/schema"
	"github.com/google/uuid"
)

// TxState is the commit state of a Transaction.
type TxState string

const (
	TxPending    TxState = "pending"
	TxCommitting TxState = "committing"
	TxCommitted  TxState = "committed"
	TxRolledBack TxState = "rolled_back"
)

// Outcome is the result of Transaction.Commit.
//
// A committed outcome lists every applied operation. A rolled back outcome
// carries the reason, the operations that had been applied before the
// failure, and the recovery points that were restored (newest first).
type Outcome struct {
	TxID     string
	State    TxState
	Applied  []string
	Reversed []string
	Reason   string

	// RollbackErrors is non-nil when one or more recovery points could not
	// be restored. Their .backup and .deleted_backup files are left on disk.
	RollbackErrors error
}

// Committed reports whether every operation was applied.
func (o *Outcome) Committed() bool { return o != nil && o.State == TxCommitted }

type txOp struct {
	kind   OpKind
	path   string
	source string
	format Format
	data   any
	schema schema.Schema

	tmp    string
	digest string
	size   int64
	entry  *audit.Entry
}

func (op *txOp) String() string {
	if op.source != "" {
		return fmt.Sprintf("%s %s -> %s", op.kind, op.source, op.path)
	}
	return fmt.Sprintf("%s %s", op.kind, op.path)
}

func (op *txOp) auditKind() audit.Kind {
	switch op.kind {
	case OpCopy:
		return audit.KindCopy
	case OpMove:
		return audit.KindMove
	case OpDelete:
		return audit.KindDelete
	default:
		return audit.KindWrite
	}
}

// Transaction applies a group of writes, copies, moves and deletes as one
// unit.
//
// # Description
//
// Add methods only enqueue. Commit runs in two phases:
//
//  1. Stage: every write is validated, serialized and written to a temp
//     file; every copy source is copied to a temp file. Nothing visible
//     changes. A failure here removes the temp files and returns.
//  2. Apply: operations run in enqueue order. Before each one the current
//     content of the affected path is captured in a RecoveryManager. If an
//     operation fails, the captured points are restored newest first.
//
// Copies read their source during staging, so a copy cannot observe a file
// written earlier in the same transaction. Moves and deletes resolve their
// paths during apply and can.
//
// # Thread Safety
//
// Safe for concurrent use. Two transactions touching the same paths are not
// serialized unless WithLocker is given.
type Transaction struct {
	mu      sync.Mutex
	id      string
	o       options
	logger  *slog.Logger
	tracer  *Tracer
	state   TxState
	ops     []*txOp
	outcome *Outcome
}

// NewTransaction creates a pending transaction.
func NewTransaction(opts ...Option) *Transaction {
	return newTransaction(buildOptions(opts))
}

// NewTransaction creates a pending transaction with the manager's defaults.
func (m *Manager) NewTransaction(opts ...Option) *Transaction {
	return newTransaction(m.o.with(opts...))
}

func newTransaction(o options) *Transaction {
	t := &Transaction{
		id:     uuid.NewString(),
		o:      o,
		tracer: NewTracer(o.logger, o.tracing),
		state:  TxPending,
	}
	t.logger = o.logger.With("tx_id", t.id)
	return t
}

// ID returns the transaction id recorded in audit metadata.
func (t *Transaction) ID() string { return t.id }

// State returns the current commit state.
func (t *Transaction) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Len returns the number of enqueued operations.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// AddWrite enqueues writing data to path in the given format.
func (t *Transaction) AddWrite(path string, data any, format Format) error {
	return t.add(&txOp{kind: OpWrite, path: path, data: data, format: format, schema: t.o.schema})
}

// AddWriteWithSchema is AddWrite with a per-operation schema.
func (t *Transaction) AddWriteWithSchema(path string, data any, format Format, s schema.Schema) error {
	return t.add(&txOp{kind: OpWrite, path: path, data: data, format: format, schema: s})
}

// AddCopy enqueues copying src to dst.
func (t *Transaction) AddCopy(src, dst string) error {
	return t.add(&txOp{kind: OpCopy, path: dst, source: src})
}

// AddMove enqueues renaming src to dst. Both must be on the same filesystem.
func (t *Transaction) AddMove(src, dst string) error {
	return t.add(&txOp{kind: OpMove, path: dst, source: src})
}

// AddDelete enqueues removing path. Its content is always copied to
// <path>.deleted_backup first.
func (t *Transaction) AddDelete(path string) error {
	return t.add(&txOp{kind: OpDelete, path: path})
}

func (t *Transaction) add(op *txOp) error {
	if op.path == "" {
		return newWriteError(t.id, "", PhaseStage, errors.New("empty path"))
	}
	op.path = filepath.Clean(op.path)
	if op.source != "" {
		op.source = filepath.Clean(op.source)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxPending {
		return newWriteError(t.id, op.path, PhaseStage, ErrTransactionState, "state", t.state)
	}
	t.ops = append(t.ops, op)
	return nil
}

// Discard drops every enqueued operation without touching the filesystem.
// It is a no-op once Commit has been called.
func (t *Transaction) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxPending {
		return
	}
	t.ops = nil
	t.state = TxRolledBack
	t.outcome = &Outcome{TxID: t.id, State: TxRolledBack, Reason: "discarded"}
}

// Commit stages and applies every enqueued operation.
//
// # Outputs
//
//   - *Outcome: Always non-nil. State is TxCommitted or TxRolledBack.
//   - error: nil on commit. Otherwise a *ValidationError or *IntegrityError
//     from staging, or an *AtomicWriteError matching ErrRolledBack whose
//     Context lists the reversed operations. A second call returns an
//     error matching ErrTransactionState.
func (t *Transaction) Commit(ctx context.Context) (outcome *Outcome, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TxPending {
		return t.outcome, newWriteError(t.id, "", PhaseCommit, ErrTransactionState, "state", t.state)
	}
	t.state = TxCommitting

	ctx, span := t.tracer.StartCommit(ctx, t.id, len(t.ops))
	txEntry := t.o.trail.StartWithID(ctx, t.id, audit.KindTransaction, "", map[string]any{
		"tx_id":      t.id,
		"operations": len(t.ops),
	})

	var rm *RecoveryManager
	defer func() {
		if r := recover(); r != nil {
			t.removeTemps()
			if rm != nil {
				_, _ = rm.Rollback(ctx)
			}
			perr := newWriteError(t.id, "", PhaseCommit, fmt.Errorf("panic: %v", r))
			t.state = TxRolledBack
			txEntry.Fail(perr, nil)
			t.tracer.EndCommit(span, nil, perr)
			panic(r)
		}
		t.outcome = outcome
		t.state = outcome.State
		t.tracer.EndCommit(span, outcome, err)
		recordCommit(ctx, len(t.ops), err == nil)
		if err != nil {
			txEntry.Fail(err, map[string]any{"reversed": len(outcome.Reversed)})
			LoggerWithTrace(ctx, t.logger).Warn("file transaction rolled back", "error", err)
			return
		}
		txEntry.Complete(map[string]any{"applied": len(outcome.Applied)})
	}()

	if t.o.locker != nil {
		release, lerr := t.o.locker.Lock(ctx, t.paths()...)
		if lerr != nil {
			err = newWriteError(t.id, "", PhaseStage, lerr)
			return &Outcome{TxID: t.id, State: TxRolledBack, Reason: lerr.Error()}, err
		}
		defer release()
	}

	if failed, serr := t.stageAll(ctx); serr != nil {
		t.removeTemps()
		recordRollback(ctx, string(PhaseStage), 0)
		return &Outcome{TxID: t.id, State: TxRolledBack, Reason: serr.Error()}, t.stageError(failed, serr)
	}

	rm = NewRecoveryManager(t.o.fs, t.id[:8], t.logger)
	rm.sync = !t.o.noSync

	var applied []string
	for _, op := range t.ops {
		op.entry = t.o.trail.Start(ctx, op.auditKind(), op.path, opMeta(t.id, op))
		if aerr := t.apply(ctx, rm, op); aerr != nil {
			return t.rollback(ctx, rm, op, applied, aerr)
		}
		applied = append(applied, op.String())
	}

	rm.Discard()
	for _, op := range t.ops {
		op.entry.Complete(map[string]any{"size": op.size})
	}
	return &Outcome{TxID: t.id, State: TxCommitted, Applied: applied}, nil
}

func opMeta(txID string, op *txOp) map[string]any {
	meta := map[string]any{"tx_id": txID}
	if op.source != "" {
		meta["source"] = op.source
	}
	if op.kind == OpWrite {
		meta["format"] = op.format.String()
	}
	return meta
}

// Paths returns every path the enqueued operations read or change.
func (t *Transaction) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paths()
}

func (t *Transaction) paths() []string {
	out := make([]string, 0, len(t.ops)*2)
	for _, op := range t.ops {
		out = append(out, op.path)
		if op.source != "" {
			out = append(out, op.source)
		}
	}
	return out
}

// stageAll writes temp files for every write and copy. It returns the
// failing operation with the error.
func (t *Transaction) stageAll(ctx context.Context) (*txOp, error) {
	for _, op := range t.ops {
		if err := ctx.Err(); err != nil {
			return op, err
		}
		if err := checkParent(t.o.fs, op.path); err != nil {
			return op, err
		}

		switch op.kind {
		case OpWrite:
			if err := t.stageWrite(op); err != nil {
				return op, err
			}
		case OpCopy:
			so := stageOpts{sync: !t.o.noSync, chunk: t.o.chunkSize}
			if t.o.permSet {
				so.perm = t.o.perm
			}
			tmp, digest, size, err := stageCopy(ctx, t.o.fs, op.source, op.path, t.o.chunkThreshold, so)
			if err != nil {
				return op, err
			}
			op.tmp, op.digest, op.size = tmp, digest, size
		}

		if op.tmp != "" && t.o.verify {
			if err := VerifyFile(t.o.fs, op.tmp, op.digest); err != nil {
				var ierr *IntegrityError
				if errors.As(err, &ierr) {
					ierr.Path = op.path
				}
				return op, err
			}
		}
	}
	return nil, nil
}

func (t *Transaction) stageWrite(op *txOp) error {
	if op.schema != nil {
		if err := op.schema.Validate(op.data); err != nil {
			return &ValidationError{Path: op.path, Issues: schema.Issues(err), Cause: err}
		}
	}
	data, err := encode(op.format, op.data, t.o.sortKeys)
	if err != nil {
		return fmt.Errorf("serializing %s: %w", op.format, err)
	}

	existing, err := statIfExists(t.o.fs, op.path)
	if err != nil {
		return err
	}
	if existing != nil && existing.IsDir() {
		return fmt.Errorf("%s is a directory", op.path)
	}
	perm := t.o.perm
	if !t.o.permSet && existing != nil {
		perm = existing.Mode().Perm()
	}

	tmp, err := writeTemp(t.o.fs, op.path, data, stageOpts{perm: perm, sync: !t.o.noSync, chunk: t.o.chunkSize})
	if err != nil {
		return err
	}
	op.tmp, op.digest, op.size = tmp, ChecksumBytes(data), int64(len(data))
	op.data = nil
	return nil
}

// stageError keeps validation and integrity failures as the caller-facing
// type and wraps everything else.
func (t *Transaction) stageError(op *txOp, err error) error {
	var verr *ValidationError
	var ierr *IntegrityError
	if errors.As(err, &verr) || errors.As(err, &ierr) {
		return err
	}
	if op == nil {
		return newWriteError(t.id, "", PhaseStage, err)
	}
	return newWriteError(t.id, op.path, PhaseStage, err, "operation", op.String())
}

func (t *Transaction) apply(ctx context.Context, rm *RecoveryManager, op *txOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mode := BackupInternal
	if t.o.backup {
		mode = BackupPersistent
	}

	switch op.kind {
	case OpWrite, OpCopy:
		if _, err := rm.Capture(ctx, op.kind, op.path, mode); err != nil {
			return err
		}
		if err := t.o.fs.Rename(op.tmp, op.path); err != nil {
			return err
		}
		op.tmp = ""

	case OpMove:
		info, err := t.o.fs.Stat(op.source)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("source %s is a directory", op.source)
		}
		op.size = info.Size()
		if _, err := rm.CaptureMove(ctx, op.source, op.path, mode); err != nil {
			return err
		}
		if err := t.o.fs.Rename(op.source, op.path); err != nil {
			return err
		}

	case OpDelete:
		info, err := t.o.fs.Stat(op.path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", op.path)
		}
		op.size = info.Size()
		if _, err := rm.Capture(ctx, OpDelete, op.path, BackupDeleted); err != nil {
			return err
		}
		if err := t.o.fs.Remove(op.path); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown operation %q", op.kind)
	}

	if !t.o.noSync {
		_ = syncDir(t.o.fs, filepath.Dir(op.path))
	}
	return nil
}

func (t *Transaction) rollback(ctx context.Context, rm *RecoveryManager, failed *txOp, applied []string, cause error) (*Outcome, error) {
	t.removeTemps()

	rctx, span := t.tracer.StartRollback(ctx, t.id, cause.Error(), rm.Len())
	reversed, rbErr := rm.Rollback(rctx)
	t.tracer.EndRollback(span, len(reversed), rbErr)

	failures := 0
	if rbErr != nil {
		if joined, ok := rbErr.(interface{ Unwrap() []error }); ok {
			failures = len(joined.Unwrap())
		} else {
			failures = 1
		}
	}
	phase := string(PhaseApply)
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		phase = "context"
	}
	recordRollback(ctx, phase, failures)

	reverted := fmt.Errorf("%w by transaction %s", ErrRolledBack, t.id)
	for _, op := range t.ops {
		switch {
		case op == failed:
			op.entry.Fail(cause, nil)
		case op.entry != nil:
			op.entry.Fail(reverted, nil)
		}
	}

	werr := newWriteError(t.id, failed.path, PhaseCommit,
		errors.Join(fmt.Errorf("%w: %s: %w", ErrRolledBack, failed, cause), rbErr),
		"operation", failed.String(),
		"reversed", reversed)
	if rbErr != nil {
		werr.Context["rollback_errors"] = failures
	}

	return &Outcome{
		TxID:           t.id,
		State:          TxRolledBack,
		Applied:        applied,
		Reversed:       reversed,
		Reason:         cause.Error(),
		RollbackErrors: rbErr,
	}, werr
}

func (t *Transaction) removeTemps() {
	for _, op := range t.ops {
		if op.tmp == "" {
			continue
		}
		if err := removeQuiet(t.o.fs, op.tmp); err != nil {
			t.logger.Warn("removing temp file failed", "temp", op.tmp, "error", err)
		}
		op.tmp = ""
	}
}

// WithTransaction runs fn against a new transaction and commits it if fn
// returns nil. If fn returns an error or panics, the staged operations are
// discarded without touching the filesystem; a panic is re-raised. If fn
// commits the transaction itself, that outcome is returned.
func WithTransaction(ctx context.Context, fn func(*Transaction) error, opts ...Option) (*Outcome, error) {
	return runTransaction(ctx, NewTransaction(opts...), fn)
}

// WithTransaction is the package-level WithTransaction with the manager's
// defaults.
func (m *Manager) WithTransaction(ctx context.Context, fn func(*Transaction) error, opts ...Option) (*Outcome, error) {
	return runTransaction(ctx, m.NewTransaction(opts...), fn)
}

func runTransaction(ctx context.Context, tx *Transaction, fn func(*Transaction) error) (*Outcome, error) {
	defer func() {
		if r := recover(); r != nil {
			tx.Discard()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Discard()
		return &Outcome{TxID: tx.id, State: TxRolledBack, Reason: err.Error()}, err
	}

	tx.mu.Lock()
	done := tx.state != TxPending
	outcome := tx.outcome
	tx.mu.Unlock()
	switch {
	case !done:
		return tx.Commit(ctx)
	case outcome.Committed():
		return outcome, nil
	default:
		return outcome, newWriteError(tx.id, "", PhaseCommit, fmt.Errorf("%w: %s", ErrRolledBack, outcome.Reason))
	}
}
