// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema validates structured payloads before they are written.
//
// # Overview
//
// A Schema is evaluated against the structured value a caller hands to an
// atomic writer, before that value is serialized to bytes. Three
// implementations are provided:
//
//   - JSON Schema documents, via go-openapi/validate (FromJSON, FromFile)
//   - Go structs with `validate` tags, via go-playground/validator (Struct)
//   - Plain functions (Func)
//
// Every implementation reports failures as *Error so callers can list the
// individual issues.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Schema validates a structured value.
type Schema interface {
	// Validate returns nil when value conforms, *Error otherwise.
	Validate(value any) error
}

// Error lists the individual validation issues for one value.
type Error struct {
	Issues []string
}

// Error implements error.
func (e *Error) Error() string {
	if len(e.Issues) == 0 {
		return "schema validation failed"
	}
	return "schema validation failed: " + strings.Join(e.Issues, "; ")
}

// Issues extracts the issue list from err. Errors that are not *Error
// yield a single issue holding err's message.
func Issues(err error) []string {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		out := make([]string, len(se.Issues))
		copy(out, se.Issues)
		return out
	}
	return []string{err.Error()}
}

// Func adapts a plain function to Schema.
type Func func(value any) error

// Validate calls f and normalizes its error to *Error.
func (f Func) Validate(value any) error {
	if err := f(value); err != nil {
		var se *Error
		if errors.As(err, &se) {
			return se
		}
		return &Error{Issues: []string{err.Error()}}
	}
	return nil
}

// RequiredKeys returns a Schema that requires value to be a mapping
// containing every key in keys.
func RequiredKeys(keys ...string) Schema {
	return Func(func(value any) error {
		m, ok := value.(map[string]any)
		if !ok {
			return &Error{Issues: []string{fmt.Sprintf("expected object, got %T", value)}}
		}
		var issues []string
		for _, k := range keys {
			if _, ok := m[k]; !ok {
				issues = append(issues, fmt.Sprintf("%s is required", k))
			}
		}
		if len(issues) > 0 {
			return &Error{Issues: issues}
		}
		return nil
	})
}
