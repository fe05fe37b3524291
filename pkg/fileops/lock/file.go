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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked indicates another process holds the lock.
var ErrLocked = errors.New("file is locked by another process")

// LockInfo describes the holder of a file lock. It is written into the
// sidecar lock file while the lock is held.
type LockInfo struct {
	Path     string    `json:"path"`
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	LockedAt time.Time `json:"locked_at"`
}

// FileLockError reports a lock conflict.
type FileLockError struct {
	Path   string
	Holder *LockInfo
	Err    error
}

// Error implements error.
func (e *FileLockError) Error() string {
	if e.Holder != nil && e.Holder.PID > 0 {
		return fmt.Sprintf("%s: %v (held by pid %d since %s)",
			e.Path, e.Err, e.Holder.PID, e.Holder.LockedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying sentinel.
func (e *FileLockError) Unwrap() error { return e.Err }

// FileLock is an advisory cross-process lock on one path.
//
// # Description
//
// The lock is taken on a hidden sidecar file, ".<name>.lock", in the same
// directory as the protected path. The protected file itself is never
// opened, so it can be replaced by rename while the lock is held. The
// sidecar is left in place on release; removing it would race with a
// process that already opened it.
type FileLock struct {
	path     string
	lockPath string
	f        *os.File
}

// LockPath returns the sidecar lock file used for path.
func LockPath(path string) string {
	dir, base := filepath.Split(filepath.Clean(path))
	return filepath.Join(dir, "."+base+".lock")
}

// AcquireFileLock takes the lock on path without blocking.
//
// # Outputs
//
//   - *FileLock: Held lock. Caller must call Release.
//   - error: *FileLockError wrapping ErrLocked if another process holds it,
//     errors.ErrUnsupported on platforms without flock, other I/O errors.
func AcquireFileLock(path, reason string) (*FileLock, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path %s: %w", path, err)
	}
	lockPath := LockPath(abs)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", lockPath, err)
	}

	if err := tryLock(f); err != nil {
		holder := readHolder(f)
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, &FileLockError{Path: abs, Holder: holder, Err: ErrLocked}
		}
		return nil, fmt.Errorf("locking %s: %w", abs, err)
	}

	host, _ := os.Hostname()
	info := LockInfo{
		Path:     abs,
		PID:      os.Getpid(),
		Hostname: host,
		Reason:   reason,
		LockedAt: time.Now().UTC(),
	}
	if err := writeHolder(f, info); err != nil {
		_ = unlock(f)
		f.Close()
		return nil, fmt.Errorf("writing lock info: %w", err)
	}

	return &FileLock{path: abs, lockPath: lockPath, f: f}, nil
}

// AcquireFileLockContext retries AcquireFileLock every interval until it
// succeeds, fails with something other than a lock conflict, or ctx ends.
func AcquireFileLockContext(ctx context.Context, path, reason string, interval time.Duration) (*FileLock, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		l, err := AcquireFileLock(path, reason)
		if err == nil || !errors.Is(err, ErrLocked) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock on %s: %w", path, errors.Join(ctx.Err(), err))
		case <-ticker.C:
		}
	}
}

// Path returns the protected path.
func (l *FileLock) Path() string { return l.path }

// Release drops the lock. Calling Release more than once is a no-op.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	truncErr := l.f.Truncate(0)
	unlockErr := unlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	return errors.Join(truncErr, unlockErr, closeErr)
}

// ReadLockInfo returns the holder recorded for path, or nil if the lock
// is free or its sidecar is empty.
func ReadLockInfo(path string) (*LockInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(LockPath(abs))
	if errors.Is(err, os.ErrNotExist) || len(data) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func readHolder(f *os.File) *LockInfo {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) == 0 {
		return nil
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

func writeHolder(f *os.File, info LockInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}
