// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package atomicops

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/AleutianAI/atomicfs/pkg/fileops"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// MergeHandler receives the result of every merge WatchMerge performs.
type MergeHandler func(merged map[string]any, err error)

// WatchMerge merges sources into dest once, then again whenever a source
// changes, until ctx is cancelled.
//
// # Description
//
// The directories holding the sources are watched rather than the files
// themselves, since atomic writers replace files by rename. Events for
// other files, dest, and staging artifacts are ignored. Bursts of events are
// collapsed into one merge after Config.MergeDebounce of quiet, and merges
// are further spaced out by Config.MaxMergeRate when set.
//
// Only the OS filesystem can be watched; sources are read through the
// facade's filesystem regardless.
//
// # Inputs
//
//   - ctx: Cancel to stop watching.
//   - sources: Files to merge, in precedence order.
//   - dest: Merge target.
//   - strategy: Merge strategy.
//   - onMerge: Called after each merge. May be nil.
//
// # Outputs
//
//   - error: Non-nil if the watcher could not be set up or fails. Returns
//     nil when ctx is cancelled. Merge failures go to onMerge instead.
func (o *Operations) WatchMerge(ctx context.Context, sources []string, dest string, strategy Strategy, onMerge MergeHandler) error {
	if len(sources) == 0 {
		return errors.New("watch merge needs at least one source")
	}
	if onMerge == nil {
		onMerge = func(map[string]any, error) {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	var dirs []string
	for _, src := range sources {
		dirs = append(dirs, filepath.Dir(filepath.Clean(src)))
	}
	slices.Sort(dirs)
	for _, dir := range slices.Compact(dirs) {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	var limiter *rate.Limiter
	if o.cfg.MaxMergeRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.cfg.MaxMergeRate), 1)
	}

	merge := func() {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		merged, err := o.ConfigMerge(ctx, sources, dest, strategy)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil {
			o.logger.Warn("watch merge failed", "dest", dest, "error", err)
		}
		onMerge(merged, err)
	}
	merge()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !o.relevant(event, sources, dest) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(o.cfg.MergeDebounce)
				timerC = timer.C
			} else {
				timer.Reset(o.cfg.MergeDebounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			merge()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching sources: %w", err)
		}
	}
}

func (o *Operations) relevant(event fsnotify.Event, sources []string, dest string) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Clean(event.Name)
	if name == filepath.Clean(dest) || fileops.IsTempArtifact(name) {
		return false
	}
	return isSource(sources, name)
}
