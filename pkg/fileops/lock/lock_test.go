// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathLocker_Exclusive(t *testing.T) {
	l := NewPathLocker()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "/data/a.json")
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.False(t, l.Held("/data/a.json"))
}

func TestPathLocker_CancelledWait(t *testing.T) {
	l := NewPathLocker()

	release, err := l.Lock(context.Background(), "/a", "/b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "/b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.False(t, l.Held("/a"))
	assert.False(t, l.Held("/b"))
}

func TestPathLocker_DedupAndClean(t *testing.T) {
	l := NewPathLocker()
	release, err := l.Lock(context.Background(), "/x/../a", "/a", "", "/a/")
	require.NoError(t, err)
	assert.True(t, l.Held("/a"))
	release()
	assert.False(t, l.Held("/a"))
}

func TestPathLocker_OverlappingSetsNoDeadlock(t *testing.T) {
	l := NewPathLocker()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "/a", "/b")
			if assert.NoError(t, err) {
				release()
			}
		}()
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "/b", "/a")
			if assert.NoError(t, err) {
				release()
			}
		}()
	}
	wg.Wait()
}

func TestFileLock_Conflict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock not available")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")

	first, err := AcquireFileLock(path, "rotate")
	require.NoError(t, err)

	_, err = AcquireFileLock(path, "merge")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)

	var lockErr *FileLockError
	require.True(t, errors.As(err, &lockErr))
	require.NotNil(t, lockErr.Holder)
	assert.Equal(t, os.Getpid(), lockErr.Holder.PID)
	assert.Equal(t, "rotate", lockErr.Holder.Reason)

	info, err := ReadLockInfo(path)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "rotate", info.Reason)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	info, err = ReadLockInfo(path)
	require.NoError(t, err)
	assert.Nil(t, info)

	second, err := AcquireFileLock(path, "merge")
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestAcquireFileLockContext_WaitsForRelease(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock not available")
	}
	path := filepath.Join(t.TempDir(), "state.json")

	held, err := AcquireFileLock(path, "hold")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := AcquireFileLockContext(ctx, path, "wait", 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestAcquireFileLockContext_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock not available")
	}
	path := filepath.Join(t.TempDir(), "state.json")

	held, err := AcquireFileLock(path, "hold")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_, err = AcquireFileLockContext(ctx, path, "wait", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestLockPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/etc/app", ".config.yaml.lock"), LockPath("/etc/app/config.yaml"))
}
