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
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestChecksumBytes(t *testing.T) {
	assert.Equal(t, helloSHA256, ChecksumBytes([]byte("hello")))
}

func TestChecksumFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/a.txt", []byte("hello"), 0o644))

	sum, err := ChecksumFile(fsys, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, sum)

	_, err = ChecksumFile(fsys, "/missing")
	assert.Error(t, err)
}

func TestVerifyFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/a.txt", []byte("hello"), 0o644))

	assert.NoError(t, VerifyFile(fsys, "/a.txt", helloSHA256))

	err := VerifyFile(fsys, "/a.txt", ChecksumBytes([]byte("other")))
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, helloSHA256, ierr.Actual)
	assert.Contains(t, err.Error(), helloSHA256[:12])
}

func TestIsTempArtifact(t *testing.T) {
	assert.True(t, IsTempArtifact("/x/.a.json.0123456789abcdef.tmp"))
	assert.True(t, IsTempArtifact(".a.json.deadbeef.0.rollback"))
	assert.False(t, IsTempArtifact("a.json.tmp"))
	assert.False(t, IsTempArtifact("a.json.backup"))

	assert.True(t, IsTempArtifact(tempName("/x/a.json")))
	assert.True(t, IsTempArtifact(rollbackName("/x/a.json", "tx.1")))
}
