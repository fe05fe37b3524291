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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected fault")

// faultFs wraps an afero.Fs and injects failures for chosen destinations.
type faultFs struct {
	afero.Fs

	mu          sync.Mutex
	failRename  map[string]int // destination -> remaining failures
	failRemove  map[string]int
	corrupt     bool
	corruptFor  string // corrupt only the staging temps of this destination
	renameCalls []string
}

func newFaultFs(base afero.Fs) *faultFs {
	return &faultFs{
		Fs:         base,
		failRename: map[string]int{},
		failRemove: map[string]int{},
	}
}

func (f *faultFs) FailRenameTo(dst string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRename[filepath.Clean(dst)] = times
}

func (f *faultFs) FailRemove(path string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRemove[filepath.Clean(path)] = times
}

func (f *faultFs) CorruptWrites(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt = on
}

// CorruptTempsFor corrupts writes to the staging temps of dst and leaves
// every other file, backups included, intact.
func (f *faultFs) CorruptTempsFor(dst string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corruptFor = filepath.Clean(dst)
}

func (f *faultFs) isTempFor(dst, name string) bool {
	if dst == "" || filepath.Dir(name) != filepath.Dir(dst) {
		return false
	}
	base := filepath.Base(name)
	prefix := "." + filepath.Base(dst) + "."
	if !strings.HasPrefix(base, prefix) || !strings.HasSuffix(base, tempSuffix) {
		return false
	}
	token := strings.TrimSuffix(strings.TrimPrefix(base, prefix), tempSuffix)
	return !strings.Contains(token, ".")
}

func (f *faultFs) consume(m map[string]int, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := m[filepath.Clean(path)]
	if n <= 0 {
		return false
	}
	m[filepath.Clean(path)] = n - 1
	return true
}

func (f *faultFs) Rename(oldname, newname string) error {
	f.mu.Lock()
	f.renameCalls = append(f.renameCalls, newname)
	f.mu.Unlock()
	if f.consume(f.failRename, newname) {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: errInjected}
	}
	return f.Fs.Rename(oldname, newname)
}

func (f *faultFs) Remove(name string) error {
	if f.consume(f.failRemove, name) {
		return &os.PathError{Op: "remove", Path: name, Err: errInjected}
	}
	return f.Fs.Remove(name)
}

func (f *faultFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	corrupt := f.corrupt || f.isTempFor(f.corruptFor, filepath.Clean(name))
	f.mu.Unlock()
	if corrupt && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return &corruptFile{File: file}, nil
	}
	return file, nil
}

// corruptFile flips the first byte of every write.
type corruptFile struct {
	afero.File
}

func (c *corruptFile) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b := make([]byte, len(p))
	copy(b, p)
	b[0] ^= 0xff
	return c.File.Write(b)
}

// Helpers shared by the tests in this package.

func quietOpts(extra ...Option) []Option {
	return append([]Option{WithoutSync(), WithTracing(false)}, extra...)
}

func writeString(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// artifacts lists temp and rollback files left in dir.
func artifacts(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if IsTempArtifact(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out
}
