// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided paths before they reach the
// filesystem.
//
// Paths come from plan files and command-line arguments. A plan may be
// written by someone other than the person applying it, so relative paths
// in a plan must stay inside the plan's directory.
package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// maxPathLen matches PATH_MAX on Linux.
const maxPathLen = 4096

// ErrEscapesBase is returned when a relative path resolves outside its base
// directory.
var ErrEscapesBase = errors.New("path escapes its base directory")

// ValidatePath rejects paths no filesystem operation should receive.
//
// Invalid paths:
//   - empty or whitespace only
//   - containing a NUL byte
//   - longer than 4096 bytes
//   - naming a directory root or "." (nothing to write to)
//
// Example:
//
//	if err := validation.ValidatePath(op.Path); err != nil {
//	    return fmt.Errorf("operation %d: %w", i, err)
//	}
func ValidatePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("invalid path %q: contains a NUL byte", p)
	}
	if len(p) > maxPathLen {
		return fmt.Errorf("invalid path: %d bytes exceeds %d", len(p), maxPathLen)
	}
	clean := filepath.Clean(p)
	if clean == "." || clean == string(filepath.Separator) || clean == filepath.VolumeName(clean)+string(filepath.Separator) {
		return fmt.Errorf("invalid path %q: names a directory, not a file", p)
	}
	return nil
}

// ValidatePaths validates every path and reports all invalid ones at once.
func ValidatePaths(paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := ValidatePath(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResolveWithin joins a relative p onto base and checks the result stays
// inside base. Absolute paths are validated and returned cleaned; the
// caller chose them explicitly.
//
//	safe, err := validation.ResolveWithin(planDir, op.Path)
//	if errors.Is(err, validation.ErrEscapesBase) {
//	    // "../../etc/passwd" in a plan
//	}
func ResolveWithin(base, p string) (string, error) {
	if err := ValidatePath(p); err != nil {
		return "", err
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	joined := filepath.Join(base, p)
	rel, err := filepath.Rel(filepath.Clean(base), joined)
	if err != nil {
		return "", fmt.Errorf("resolving %q against %q: %w", p, base, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrEscapesBase, p)
	}
	return joined, nil
}
