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
	"path/filepath"
	"testing"

	"github.com/AleutianAI/atomicfs/pkg/fileops/audit"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotateFile_Basic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeString(t, path, "hello")
	m := NewManager(quietOpts()...)

	require.NoError(t, m.RotateFile(context.Background(), path, 3))

	assert.False(t, exists(path))
	assert.Equal(t, "hello", readString(t, RotatedPath(path, 1)))
}

func TestRotateFile_ShiftsAndDropsOldest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeString(t, path, "current")
	writeString(t, RotatedPath(path, 1), "one")
	writeString(t, RotatedPath(path, 2), "two")
	writeString(t, RotatedPath(path, 3), "three")
	trail := audit.New()
	m := NewManager(quietOpts(WithAudit(trail))...)

	require.NoError(t, m.RotateFile(context.Background(), path, 3))

	assert.False(t, exists(path))
	assert.Equal(t, "current", readString(t, RotatedPath(path, 1)))
	assert.Equal(t, "one", readString(t, RotatedPath(path, 2)))
	assert.Equal(t, "two", readString(t, RotatedPath(path, 3)))
	assert.False(t, exists(RotatedPath(path, 4)))

	ops := trail.Operations(audit.Filter{Kind: audit.KindRotate})
	require.Len(t, ops, 1)
	assert.Equal(t, 3, ops[0].Metadata["shifted"])
}

func TestRotateFile_SkipsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeString(t, path, "current")
	writeString(t, RotatedPath(path, 2), "two")
	m := NewManager(quietOpts()...)

	require.NoError(t, m.RotateFile(context.Background(), path, 5))

	assert.Equal(t, "current", readString(t, RotatedPath(path, 1)))
	assert.False(t, exists(RotatedPath(path, 2)))
	assert.Equal(t, "two", readString(t, RotatedPath(path, 3)))
}

func TestRotateFile_MissingPathIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeString(t, RotatedPath(path, 1), "one")
	m := NewManager(quietOpts()...)

	require.NoError(t, m.RotateFile(context.Background(), path, 3))
	assert.Equal(t, "one", readString(t, RotatedPath(path, 1)))
	assert.False(t, exists(RotatedPath(path, 2)))
}

func TestRotateFile_InvalidMax(t *testing.T) {
	m := NewManager(quietOpts()...)
	err := m.RotateFile(context.Background(), filepath.Join(t.TempDir(), "a.log"), 0)

	var werr *AtomicWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, PhaseOpen, werr.Phase)
}

func TestRotateFile_RenameFailureKeepsFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeString(t, path, "current")
	writeString(t, RotatedPath(path, 1), "one")

	fsys := newFaultFs(afero.NewOsFs())
	fsys.FailRenameTo(RotatedPath(path, 1), 1)
	m := NewManager(quietOpts(WithFs(fsys))...)

	err := m.RotateFile(context.Background(), path, 3)
	require.ErrorIs(t, err, errInjected)

	// .1 already moved to .2; the current file is intact
	assert.Equal(t, "one", readString(t, RotatedPath(path, 2)))
	assert.Equal(t, "current", readString(t, path))
}
