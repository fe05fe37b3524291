// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrail_StartComplete(t *testing.T) {
	trail := New()
	ctx := context.Background()

	entry := trail.Start(ctx, KindWrite, "/tmp/a.json", map[string]any{"format": "json"})
	require.NotNil(t, entry)
	require.NotEmpty(t, entry.ID())

	rec, ok := trail.Get(entry.ID())
	require.True(t, ok)
	assert.Equal(t, StatusStarted, rec.Status)
	assert.Equal(t, uint64(1), rec.Seq)

	entry.Complete(map[string]any{"size": 42})

	rec, _ = trail.Get(entry.ID())
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "json", rec.Metadata["format"])
	assert.Equal(t, 42, rec.Metadata["size"])
	assert.False(t, rec.UpdatedAt.IsZero())
}

func TestTrail_StartWithID(t *testing.T) {
	trail := New()
	ctx := context.Background()

	entry := trail.StartWithID(ctx, "op-1", KindWrite, "/tmp/a", nil)
	assert.Equal(t, "op-1", entry.ID())
	entry.Fail(errors.New("disk full"), nil)

	rec, ok := trail.Get("op-1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rec.Status)

	// a taken id is not reused
	again := trail.StartWithID(ctx, "op-1", KindWrite, "/tmp/a", nil)
	assert.NotEqual(t, "op-1", again.ID())
	assert.NotEmpty(t, again.ID())
	rec, _ = trail.Get("op-1")
	assert.Equal(t, StatusFailed, rec.Status)

	var nilTrail *Trail
	assert.Nil(t, nilTrail.StartWithID(ctx, "op-2", KindWrite, "/tmp/b", nil))
}

func TestTrail_TerminalStatusIsFinal(t *testing.T) {
	trail := New()
	entry := trail.Start(context.Background(), KindDelete, "/tmp/b", nil)

	entry.Fail(errors.New("disk full"), nil)
	entry.Complete(nil)

	rec, _ := trail.Get(entry.ID())
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "disk full", rec.Error)
}

func TestTrail_NilSafe(t *testing.T) {
	var trail *Trail
	entry := trail.Start(context.Background(), KindWrite, "/x", nil)
	assert.Nil(t, entry)

	assert.NotPanics(t, func() {
		entry.Complete(nil)
		entry.Fail(errors.New("x"), nil)
		entry.Annotate(map[string]any{"k": "v"})
		trail.LogOperation(context.Background(), KindCopy, "/x", nil, StatusCompleted)
	})
	assert.Equal(t, 0, trail.Len())
	assert.Equal(t, 0, trail.Summary().TotalOperations)
	assert.NoError(t, trail.Close())
}

func TestTrail_Summary(t *testing.T) {
	trail := New()
	ctx := context.Background()

	trail.Start(ctx, KindWrite, "/a", nil).Complete(nil)
	trail.Start(ctx, KindWrite, "/a", nil).Complete(nil)
	trail.Start(ctx, KindCopy, "/b", nil).Fail(errors.New("boom"), nil)
	trail.Start(ctx, KindMove, "/c", nil)

	s := trail.Summary()
	assert.Equal(t, 4, s.TotalOperations)
	assert.Equal(t, 2, s.SuccessfulOperations)
	assert.Equal(t, 1, s.FailedOperations)
	assert.Equal(t, 1, s.PendingOperations)
	assert.Equal(t, 3, s.FilesAffected)
	assert.Equal(t, 2, s.ByKind[KindWrite])
	assert.Equal(t, 1, s.ByKind[KindCopy])
	assert.Equal(t, 1, s.ByKind[KindMove])
}

func TestTrail_BatchFilter(t *testing.T) {
	trail := New()
	ctx := context.Background()
	batchCtx := WithBatch(ctx, "nightly")

	trail.Start(batchCtx, KindWrite, "/a", nil).Complete(nil)
	trail.Start(ctx, KindWrite, "/b", nil).Complete(nil)
	trail.Start(batchCtx, KindDelete, "/c", nil).Fail(errors.New("x"), nil)

	ops := trail.Operations(Filter{Batch: "nightly"})
	require.Len(t, ops, 2)
	assert.Equal(t, "/a", ops[0].Path)
	assert.Equal(t, "/c", ops[1].Path)

	failed := trail.Operations(Filter{Batch: "nightly", Status: StatusFailed})
	require.Len(t, failed, 1)
	assert.Equal(t, KindDelete, failed[0].Kind)

	assert.Len(t, trail.Operations(Filter{}), 3)
}

func TestTrail_OperationsReturnsCopies(t *testing.T) {
	trail := New()
	trail.LogOperation(context.Background(), KindWrite, "/a", map[string]any{"k": "v"}, StatusCompleted)

	ops := trail.Operations(Filter{})
	ops[0].Metadata["k"] = "changed"

	again := trail.Operations(Filter{})
	assert.Equal(t, "v", again[0].Metadata["k"])
}

func TestTrail_ConcurrentAppends(t *testing.T) {
	trail := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trail.Start(ctx, KindWrite, "/same", nil).Complete(nil)
		}()
	}
	wg.Wait()

	ops := trail.Operations(Filter{})
	require.Len(t, ops, 50)
	for i, op := range ops {
		assert.Equal(t, uint64(i+1), op.Seq)
		assert.Equal(t, StatusCompleted, op.Status)
	}
}

func TestTrail_RecordsTransitionMetric(t *testing.T) {
	before := testutil.ToFloat64(recordsTotal.WithLabelValues(string(KindRotate), string(StatusCompleted)))

	trail := New()
	entry := trail.Start(context.Background(), KindRotate, "/log", nil)
	entry.Complete(nil)
	entry.Complete(nil)

	after := testutil.ToFloat64(recordsTotal.WithLabelValues(string(KindRotate), string(StatusCompleted)))
	assert.Equal(t, before+1, after)
}

func TestReplay_CollapsesByID(t *testing.T) {
	trail := New()
	ctx := context.Background()
	e1 := trail.Start(ctx, KindWrite, "/a", nil)
	trail.Start(ctx, KindCopy, "/b", nil).Complete(nil)

	started, _ := trail.Get(e1.ID())
	e1.Complete(nil)
	done, _ := trail.Get(e1.ID())

	replayed := Replay([]Record{started, trail.Operations(Filter{Kind: KindCopy})[0], done})
	ops := replayed.Operations(Filter{})
	require.Len(t, ops, 2)
	assert.Equal(t, e1.ID(), ops[0].ID)
	assert.Equal(t, StatusCompleted, ops[0].Status)
}

func TestDefault(t *testing.T) {
	t.Cleanup(func() { SetDefault(nil) })

	assert.Nil(t, Default())
	trail := New()
	SetDefault(trail)
	assert.Same(t, trail, Default())
}
