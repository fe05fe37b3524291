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
	"path/filepath"
	"testing"

	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/AleutianAI/atomicfs/pkg/fileops/lock"
	"github.com/AleutianAI/atomicfs/pkg/fileops/schema"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_CommitAll(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.txt")
	src := filepath.Join(dir, "src.txt")
	c := filepath.Join(dir, "c.txt")
	writeString(t, src, "copied")
	trail := audit.New()

	tx := NewTransaction(quietOpts(WithAudit(trail))...)
	require.NoError(t, tx.AddWrite(a, map[string]any{"k": "v"}, FormatJSON))
	require.NoError(t, tx.AddWrite(b, "text", FormatText))
	require.NoError(t, tx.AddCopy(src, c))
	assert.Equal(t, 3, tx.Len())
	assert.Equal(t, TxPending, tx.State())

	outcome, err := tx.Commit(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Committed())
	assert.Equal(t, TxCommitted, tx.State())
	assert.Len(t, outcome.Applied, 3)
	assert.Empty(t, outcome.Reversed)

	assert.JSONEq(t, `{"k":"v"}`, readString(t, a))
	assert.Equal(t, "text", readString(t, b))
	assert.Equal(t, "copied", readString(t, c))
	assert.Empty(t, artifacts(t, dir))

	summary := trail.Summary()
	assert.Equal(t, 4, summary.SuccessfulOperations, "three operations plus the transaction record")
	assert.Equal(t, 1, summary.ByKind[audit.KindTransaction])
}

func TestTransaction_AllOrNothing(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		filepath.Join(dir, "one.txt"),
		filepath.Join(dir, "two.txt"),
		filepath.Join(dir, "three.txt"),
		filepath.Join(dir, "four.txt"),
	}
	// one and three exist beforehand; two and four are new
	writeString(t, paths[0], "orig-1")
	writeString(t, paths[2], "orig-3")

	for k := range paths {
		t.Run(fmt.Sprintf("fail at op %d", k+1), func(t *testing.T) {
			fsys := newFaultFs(afero.NewOsFs())
			fsys.FailRenameTo(paths[k], 1)

			tx := NewTransaction(quietOpts(WithFs(fsys))...)
			for i, p := range paths {
				require.NoError(t, tx.AddWrite(p, fmt.Sprintf("new-%d", i+1), FormatText))
			}

			outcome, err := tx.Commit(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRolledBack)
			assert.ErrorIs(t, err, errInjected)

			var werr *AtomicWriteError
			require.ErrorAs(t, err, &werr)
			assert.Equal(t, PhaseCommit, werr.Phase)
			assert.Equal(t, paths[k], werr.Path)

			assert.Equal(t, TxRolledBack, outcome.State)
			assert.Len(t, outcome.Applied, k)
			assert.Len(t, outcome.Reversed, k+1)
			assert.NoError(t, outcome.RollbackErrors)

			assert.Equal(t, "orig-1", readString(t, paths[0]))
			assert.False(t, exists(paths[1]))
			assert.Equal(t, "orig-3", readString(t, paths[2]))
			assert.False(t, exists(paths[3]))
			assert.Empty(t, artifacts(t, dir))
		})
	}
}

func TestTransaction_DeleteBackedUpAndRestored(t *testing.T) {
	dir := t.TempDir()
	victim := filepath.Join(dir, "victim.txt")
	next := filepath.Join(dir, "next.txt")
	writeString(t, victim, "precious")

	fsys := newFaultFs(afero.NewOsFs())
	fsys.FailRenameTo(next, 1)

	tx := NewTransaction(quietOpts(WithFs(fsys))...)
	require.NoError(t, tx.AddDelete(victim))
	require.NoError(t, tx.AddWrite(next, "x", FormatText))

	_, err := tx.Commit(context.Background())
	require.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, "precious", readString(t, victim))
	assert.Equal(t, "precious", readString(t, DeletedBackupPath(victim)), "deleted backups survive rollback")
}

func TestTransaction_DeleteCommitted(t *testing.T) {
	dir := t.TempDir()
	victim := filepath.Join(dir, "victim.txt")
	writeString(t, victim, "bye")

	tx := NewTransaction(quietOpts()...)
	require.NoError(t, tx.AddDelete(victim))
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)

	assert.False(t, exists(victim))
	assert.Equal(t, "bye", readString(t, DeletedBackupPath(victim)))
}

func TestTransaction_BackupFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.txt")
	writeString(t, path, "v1")

	tx := NewTransaction(quietOpts(WithBackup(true))...)
	require.NoError(t, tx.AddWrite(path, "v2", FormatText))
	require.NoError(t, tx.AddWrite(path, "v3", FormatText))
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "v3", readString(t, path))
	assert.Equal(t, "v1", readString(t, BackupPath(path)), "backup holds pre-transaction content")
	assert.Empty(t, artifacts(t, dir))
}

func TestTransaction_MoveRolledBack(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "b.txt")
	later := filepath.Join(dir, "c.txt")
	writeString(t, src, "data")

	fsys := newFaultFs(afero.NewOsFs())
	fsys.FailRenameTo(later, 1)

	tx := NewTransaction(quietOpts(WithFs(fsys))...)
	require.NoError(t, tx.AddMove(src, dst))
	require.NoError(t, tx.AddWrite(later, "x", FormatText))

	_, err := tx.Commit(context.Background())
	require.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, "data", readString(t, src))
	assert.False(t, exists(dst))
}

func TestTransaction_MoveOfFileWrittenEarlier(t *testing.T) {
	dir := t.TempDir()
	draft := filepath.Join(dir, "draft.txt")
	final := filepath.Join(dir, "final.txt")

	tx := NewTransaction(quietOpts()...)
	require.NoError(t, tx.AddWrite(draft, "body", FormatText))
	require.NoError(t, tx.AddMove(draft, final))
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)

	assert.False(t, exists(draft))
	assert.Equal(t, "body", readString(t, final))
}

func TestTransaction_ValidationFailsBeforeApply(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.json")
	second := filepath.Join(dir, "second.json")
	writeString(t, first, `{"name":"old"}`)
	trail := audit.New()

	tx := NewTransaction(quietOpts(WithAudit(trail))...)
	require.NoError(t, tx.AddWrite(first, map[string]any{"name": "new"}, FormatJSON))
	require.NoError(t, tx.AddWriteWithSchema(second, map[string]any{}, FormatJSON, schema.RequiredKeys("name")))

	outcome, err := tx.Commit(context.Background())
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, TxRolledBack, outcome.State)
	assert.Empty(t, outcome.Applied)

	assert.Equal(t, `{"name":"old"}`, readString(t, first))
	assert.False(t, exists(second))
	assert.Empty(t, artifacts(t, dir))
	assert.Equal(t, 1, trail.Summary().FailedOperations, "only the transaction record")
}

func TestTransaction_StageFailureMissingCopySource(t *testing.T) {
	dir := t.TempDir()
	tx := NewTransaction(quietOpts()...)
	require.NoError(t, tx.AddWrite(filepath.Join(dir, "a.txt"), "a", FormatText))
	require.NoError(t, tx.AddCopy(filepath.Join(dir, "missing"), filepath.Join(dir, "b.txt")))

	_, err := tx.Commit(context.Background())
	var werr *AtomicWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, PhaseStage, werr.Phase)
	assert.False(t, exists(filepath.Join(dir, "a.txt")))
	assert.Empty(t, artifacts(t, dir))
}

func TestTransaction_ParentMissing(t *testing.T) {
	tx := NewTransaction(quietOpts()...)
	require.NoError(t, tx.AddWrite(filepath.Join(t.TempDir(), "no", "such", "dir.txt"), "x", FormatText))
	_, err := tx.Commit(context.Background())
	assert.ErrorIs(t, err, ErrParentMissing)
}

func TestTransaction_AuditRecordsRollback(t *testing.T) {
	dir := t.TempDir()
	ok := filepath.Join(dir, "ok.txt")
	bad := filepath.Join(dir, "bad.txt")
	fsys := newFaultFs(afero.NewOsFs())
	fsys.FailRenameTo(bad, 1)
	trail := audit.New()

	tx := NewTransaction(quietOpts(WithFs(fsys), WithAudit(trail))...)
	require.NoError(t, tx.AddWrite(ok, "1", FormatText))
	require.NoError(t, tx.AddWrite(bad, "2", FormatText))
	_, err := tx.Commit(context.Background())
	require.Error(t, err)

	okOps := trail.Operations(audit.Filter{Path: ok})
	require.Len(t, okOps, 1)
	assert.Equal(t, audit.StatusFailed, okOps[0].Status)
	assert.Contains(t, okOps[0].Error, "rolled back")
	assert.Equal(t, tx.ID(), okOps[0].Metadata["tx_id"])

	badOps := trail.Operations(audit.Filter{Path: bad})
	require.Len(t, badOps, 1)
	assert.Contains(t, badOps[0].Error, errInjected.Error())

	txOps := trail.Operations(audit.Filter{Kind: audit.KindTransaction})
	require.Len(t, txOps, 1)
	assert.Equal(t, audit.StatusFailed, txOps[0].Status)
}

func TestTransaction_CancelledBeforeCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	tx := NewTransaction(quietOpts()...)
	require.NoError(t, tx.AddWrite(path, "x", FormatText))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tx.Commit(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, exists(path))
	assert.Empty(t, artifacts(t, dir))
}

func TestTransaction_StateMachine(t *testing.T) {
	dir := t.TempDir()
	tx := NewTransaction(quietOpts()...)
	require.NoError(t, tx.AddWrite(filepath.Join(dir, "a.txt"), "a", FormatText))
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)

	_, err = tx.Commit(context.Background())
	assert.ErrorIs(t, err, ErrTransactionState)
	assert.ErrorIs(t, tx.AddWrite(filepath.Join(dir, "b.txt"), "b", FormatText), ErrTransactionState)
	assert.Error(t, NewTransaction().AddWrite("", "x", FormatText))
}

func TestTransaction_Empty(t *testing.T) {
	outcome, err := NewTransaction(quietOpts()...).Commit(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Committed())
}

func TestTransaction_WithLocker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	locker := lock.NewPathLocker()

	tx := NewTransaction(quietOpts(WithLocker(locker))...)
	require.NoError(t, tx.AddWrite(path, "a", FormatText))
	require.NoError(t, tx.AddCopy(path, filepath.Join(dir, "never.txt")))
	tx.Discard()

	tx = NewTransaction(quietOpts(WithLocker(locker))...)
	require.NoError(t, tx.AddWrite(path, "a", FormatText))
	_, err := tx.Commit(context.Background())
	require.NoError(t, err)
	assert.False(t, locker.Held(path))
}

func TestWithTransaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	outcome, err := WithTransaction(context.Background(), func(tx *Transaction) error {
		return tx.AddWrite(path, "scoped", FormatText)
	}, quietOpts()...)
	require.NoError(t, err)
	assert.True(t, outcome.Committed())
	assert.Equal(t, "scoped", readString(t, path))
}

func TestWithTransaction_ErrorDiscards(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	boom := errors.New("changed my mind")

	outcome, err := WithTransaction(context.Background(), func(tx *Transaction) error {
		require.NoError(t, tx.AddWrite(path, "x", FormatText))
		return boom
	}, quietOpts()...)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, TxRolledBack, outcome.State)
	assert.False(t, exists(path))
	assert.Empty(t, artifacts(t, dir))
}

func TestWithTransaction_PanicDiscards(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")

	assert.Panics(t, func() {
		_, _ = WithTransaction(context.Background(), func(tx *Transaction) error {
			_ = tx.AddWrite(path, "x", FormatText)
			panic("abort")
		}, quietOpts()...)
	})
	assert.False(t, exists(path))
}

func TestWithTransaction_ExplicitCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")

	outcome, err := WithTransaction(context.Background(), func(tx *Transaction) error {
		if err := tx.AddWrite(path, "x", FormatText); err != nil {
			return err
		}
		_, err := tx.Commit(context.Background())
		return err
	}, quietOpts()...)
	require.NoError(t, err)
	assert.True(t, outcome.Committed())
}

func TestManager_WithTransaction(t *testing.T) {
	dir := t.TempDir()
	trail := audit.New()
	m := NewManager(quietOpts(WithAudit(trail))...)

	_, err := m.WithTransaction(audit.WithBatch(context.Background(), "deploy"), func(tx *Transaction) error {
		return tx.AddWrite(filepath.Join(dir, "a.txt"), "a", FormatText)
	})
	require.NoError(t, err)
	assert.Len(t, trail.Operations(audit.Filter{Batch: "deploy"}), 2)
}

func TestTransaction_WriteThenDeleteRolledBack(t *testing.T) {
	dir := t.TempDir()
	created := filepath.Join(dir, "new.txt")
	missing := filepath.Join(dir, "missing.txt")

	tx := NewTransaction(quietOpts()...)
	require.NoError(t, tx.AddWrite(created, "tx-content", FormatText))
	require.NoError(t, tx.AddDelete(created))
	require.NoError(t, tx.AddDelete(missing))

	outcome, err := tx.Commit(context.Background())
	require.ErrorIs(t, err, ErrRolledBack)
	assert.Len(t, outcome.Reversed, 2)
	assert.NoError(t, outcome.RollbackErrors)

	assert.False(t, exists(created))
	assert.False(t, exists(DeletedBackupPath(created)))
	assert.Empty(t, artifacts(t, dir))
}

func TestTransaction_RollbackRestoresEarlierDeletedBackup(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.txt")
	writeString(t, keep, "orig")
	writeString(t, DeletedBackupPath(keep), "older")

	tx := NewTransaction(quietOpts()...)
	require.NoError(t, tx.AddWrite(keep, "tx-content", FormatText))
	require.NoError(t, tx.AddDelete(keep))
	require.NoError(t, tx.AddDelete(filepath.Join(dir, "missing.txt")))

	_, err := tx.Commit(context.Background())
	require.ErrorIs(t, err, ErrRolledBack)

	assert.Equal(t, "orig", readString(t, keep))
	assert.Equal(t, "older", readString(t, DeletedBackupPath(keep)))
	assert.Empty(t, artifacts(t, dir))
}

func TestTransaction_WriteThenDeleteCommitted(t *testing.T) {
	dir := t.TempDir()
	created := filepath.Join(dir, "new.txt")

	tx := NewTransaction(quietOpts()...)
	require.NoError(t, tx.AddWrite(created, "tx-content", FormatText))
	require.NoError(t, tx.AddDelete(created))

	outcome, err := tx.Commit(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.Committed())

	assert.False(t, exists(created))
	assert.Equal(t, "tx-content", readString(t, DeletedBackupPath(created)))
	assert.Empty(t, artifacts(t, dir))
}

func TestTransaction_RollbackErrorResolvesInTrail(t *testing.T) {
	dir := t.TempDir()
	trail := audit.New()

	tx := NewTransaction(quietOpts(WithAudit(trail))...)
	require.NoError(t, tx.AddWrite(filepath.Join(dir, "a.txt"), "a", FormatText))
	require.NoError(t, tx.AddDelete(filepath.Join(dir, "missing.txt")))

	_, err := tx.Commit(context.Background())
	var werr *AtomicWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, tx.ID(), werr.OpID)

	rec, ok := trail.Get(werr.OpID)
	require.True(t, ok)
	assert.Equal(t, audit.KindTransaction, rec.Kind)
	assert.Equal(t, audit.StatusFailed, rec.Status)
}
