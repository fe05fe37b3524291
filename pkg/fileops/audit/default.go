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

import "sync"

var (
	defaultMu    sync.RWMutex
	defaultTrail *Trail
)

// SetDefault installs t as the process-wide trail returned by Default.
// Intended for program entry points; libraries should accept a *Trail
// explicitly instead.
func SetDefault(t *Trail) {
	defaultMu.Lock()
	defaultTrail = t
	defaultMu.Unlock()
}

// Default returns the trail installed by SetDefault, or nil.
func Default() *Trail {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultTrail
}
