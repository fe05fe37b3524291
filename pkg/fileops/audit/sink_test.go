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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")

	sink, err := OpenFileSink(path, WithFsync())
	require.NoError(t, err)

	trail := New(WithSink(sink))
	ctx := WithBatch(context.Background(), "deploy")
	trail.Start(ctx, KindWrite, "/etc/app.json", map[string]any{"format": "json"}).Complete(map[string]any{"size": 10})
	trail.Start(ctx, KindDelete, "/etc/old.json", nil).Fail(errors.New("permission denied"), nil)
	require.NoError(t, trail.Close())

	loaded, err := LoadFile(path)
	require.NoError(t, err)

	ops := loaded.Operations(Filter{})
	require.Len(t, ops, 2)
	assert.Equal(t, KindWrite, ops[0].Kind)
	assert.Equal(t, StatusCompleted, ops[0].Status)
	assert.Equal(t, "deploy", ops[0].Batch)
	assert.EqualValues(t, 10, ops[0].Metadata["size"])
	assert.Equal(t, StatusFailed, ops[1].Status)
	assert.Equal(t, "permission denied", ops[1].Error)

	s := loaded.Summary()
	assert.Equal(t, 1, s.SuccessfulOperations)
	assert.Equal(t, 1, s.FailedOperations)
}

func TestFileSink_WriteAfterClose(t *testing.T) {
	sink, err := OpenFileSink(filepath.Join(t.TempDir(), "a.jsonl"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	err = sink.Write(Record{ID: "x"})
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestLoadFile_Missing(t *testing.T) {
	trail, err := LoadFile(filepath.Join(t.TempDir(), "none.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 0, trail.Len())
}

func TestLoadFile_TruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	content := `{"id":"a","seq":1,"kind":"write","path":"/a","status":"completed","timestamp":"2025-01-01T00:00:00Z"}` + "\n" +
		`{"id":"b","seq":2,"kind":"wri`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	trail, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, trail.Len())
}

func TestLoadFile_CorruptMiddle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	content := "not json\n" +
		`{"id":"a","seq":1,"kind":"write","status":"completed","timestamp":"2025-01-01T00:00:00Z"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestBadgerSink_InMemory(t *testing.T) {
	sink, err := OpenBadgerSink(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer sink.Close()

	trail := New(WithSink(sink))
	ctx := context.Background()
	e := trail.Start(ctx, KindMove, "/a", nil)
	trail.Start(ctx, KindCopy, "/b", nil).Complete(nil)
	e.Fail(errors.New("cross-device"), nil)

	records, err := sink.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, KindMove, records[0].Kind)
	assert.Equal(t, StatusFailed, records[0].Status)
	assert.Equal(t, KindCopy, records[1].Kind)

	rebuilt, err := sink.Trail()
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt.Summary().FailedOperations)
}

func TestOpenBadgerSink_RequiresPath(t *testing.T) {
	_, err := OpenBadgerSink(BadgerConfig{})
	assert.Error(t, err)
}

func TestOpenLog_ResumesAndRepairsTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	first, err := OpenLog(path)
	require.NoError(t, err)
	first.Start(ctx, KindWrite, "/a", nil).Complete(nil)
	require.NoError(t, first.Close())

	// simulate a crash mid-record
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"half`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	second, err := OpenLog(path)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Len())
	rec := second.LogOperation(ctx, KindCopy, "/b", nil, StatusCompleted)
	assert.Equal(t, uint64(2), rec.Seq, "sequence continues from the log")
	require.NoError(t, second.Close())

	reloaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Len())
	assert.Equal(t, 2, reloaded.Summary().SuccessfulOperations)
}
