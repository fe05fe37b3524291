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
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("schema validation failed")

	// ErrIntegrity matches every *IntegrityError.
	ErrIntegrity = errors.New("integrity verification failed")

	// ErrAborted indicates a writer was closed without committing.
	ErrAborted = errors.New("write aborted")

	// ErrWriterClosed indicates Commit or a write method was called after
	// the writer already committed or aborted.
	ErrWriterClosed = errors.New("writer already closed")

	// ErrNothingStaged indicates Commit was called before any payload was staged.
	ErrNothingStaged = errors.New("no payload staged")

	// ErrTransactionState indicates an operation that is not valid in the
	// transaction's current state.
	ErrTransactionState = errors.New("invalid transaction state")

	// ErrRolledBack matches the error returned by a transaction commit that
	// failed and was rolled back.
	ErrRolledBack = errors.New("transaction rolled back")

	// ErrParentMissing indicates the destination's parent directory does not exist.
	ErrParentMissing = errors.New("parent directory does not exist")
)

// Phase names the step of an operation that failed.
type Phase string

const (
	PhaseOpen      Phase = "open"
	PhaseRead      Phase = "read"
	PhaseUpdate    Phase = "update"
	PhaseSerialize Phase = "serialize"
	PhaseValidate  Phase = "validate"
	PhaseStage     Phase = "stage"
	PhaseBackup    Phase = "backup"
	PhaseVerify    Phase = "verify"
	PhaseRename    Phase = "rename"
	PhaseApply     Phase = "apply"
	PhaseCommit    Phase = "commit"
	PhaseRollback  Phase = "rollback"
	PhaseCleanup   Phase = "cleanup"
)

// AtomicWriteError is the catch-all failure for I/O errors, transaction
// failures and rollback outcomes.
//
// # Description
//
// Carries enough context to correlate the failure with its audit record:
// the operation id, the path, the phase that failed, and when it happened.
// Context holds additional key/value detail (for transactions, the list of
// reversed operations).
type AtomicWriteError struct {
	OpID      string
	Path      string
	Phase     Phase
	Timestamp time.Time
	Context   map[string]any
	Cause     error
}

func newWriteError(opID, path string, phase Phase, cause error, kv ...any) *AtomicWriteError {
	ctx := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			ctx[key] = kv[i+1]
		}
	}
	return &AtomicWriteError{
		OpID:      opID,
		Path:      path,
		Phase:     phase,
		Timestamp: time.Now().UTC(),
		Context:   ctx,
		Cause:     cause,
	}
}

// Error implements error.
func (e *AtomicWriteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "atomic write %s", e.Phase)
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.OpID != "" {
		fmt.Fprintf(&b, " (op %s)", e.OpID)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, " "))
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *AtomicWriteError) Unwrap() error { return e.Cause }

// ValidationError reports a structured payload that failed its schema.
// The destination is never created or modified when this is returned.
type ValidationError struct {
	Path   string
	Issues []string
	Cause  error
}

// Error implements error.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("validation failed for %s: %v", e.Path, e.Cause)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Path, strings.Join(e.Issues, "; "))
}

// Unwrap exposes the schema error.
func (e *ValidationError) Unwrap() error { return e.Cause }

// Is reports ErrValidation as a match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// IntegrityError reports a digest mismatch between the staged payload and
// the bytes read back from the temp artifact.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

// Error implements error.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %s, got %s",
		e.Path, shortDigest(e.Expected), shortDigest(e.Actual))
}

// Is reports ErrIntegrity as a match.
func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
