// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock serializes access to file paths.
//
// # Overview
//
// PathLocker coordinates goroutines within one process: callers lock a set
// of paths and get back a release function. FileLock adds advisory
// cross-process locking through flock(2) on a sidecar lock file next to
// the protected path.
//
// Neither lock is taken by default. Atomic writers and transactions use
// them only when configured to.
package lock

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
)

// PathLocker hands out exclusive in-process locks keyed by cleaned path.
//
// # Thread Safety
//
// Safe for concurrent use. The zero value is not usable; call NewPathLocker.
type PathLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewPathLocker creates an empty locker.
func NewPathLocker() *PathLocker {
	return &PathLocker{slots: make(map[string]*slot)}
}

// Lock acquires every path in paths and returns a function that releases
// them all.
//
// # Description
//
// Paths are cleaned, deduplicated and acquired in sorted order, so two
// callers locking overlapping sets cannot deadlock. If ctx is cancelled
// while waiting, every lock already taken is released and ctx.Err() is
// returned.
//
// # Inputs
//
//   - ctx: Cancels the wait.
//   - paths: Paths to lock. Empty is allowed and returns a no-op release.
//
// # Outputs
//
//   - func(): Releases all acquired paths. Safe to call more than once.
//   - error: ctx.Err() if cancelled before all locks were acquired.
func (l *PathLocker) Lock(ctx context.Context, paths ...string) (func(), error) {
	keys := normalize(paths)
	acquired := make([]*slot, 0, len(keys))
	held := make([]string, 0, len(keys))

	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			<-acquired[i].ch
			l.unref(held[i])
		}
		acquired = nil
		held = nil
	}

	for _, key := range keys {
		s := l.ref(key)
		select {
		case s.ch <- struct{}{}:
			acquired = append(acquired, s)
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Held reports whether path is currently locked or being waited on.
func (l *PathLocker) Held(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.slots[filepath.Clean(path)]
	return ok
}

func (l *PathLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *PathLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func normalize(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		c := filepath.Clean(p)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
