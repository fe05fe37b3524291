// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	oaierrors "github.com/go-openapi/errors"
	"github.com/go-openapi/spec"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/validate"
)

// JSONSchema validates values against a JSON Schema document.
//
// # Description
//
// Backed by go-openapi/validate, which implements the draft 4 vocabulary
// used by OpenAPI 2.0 (type, required, properties, enum, minimum,
// pattern, additionalProperties, items, ...). String formats such as
// "date-time", "uuid" and "email" are checked with the strfmt default
// registry.
//
// # Thread Safety
//
// Safe for concurrent use; the compiled schema is never mutated.
type JSONSchema struct {
	schema  *spec.Schema
	formats strfmt.Registry
}

// FromJSON compiles a JSON Schema document.
//
// # Inputs
//
//   - doc: The schema document as JSON bytes.
//
// # Outputs
//
//   - *JSONSchema: Ready-to-use schema.
//   - error: Non-nil if doc is not valid JSON or not a schema object.
func FromJSON(doc []byte) (*JSONSchema, error) {
	var s spec.Schema
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("parsing json schema: %w", err)
	}
	return &JSONSchema{schema: &s, formats: strfmt.Default}, nil
}

// FromFile reads and compiles a JSON Schema document from disk.
func FromFile(path string) (*JSONSchema, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading json schema %s: %w", path, err)
	}
	return FromJSON(doc)
}

// Validate checks value against the schema.
//
// Values that are not already generic JSON (maps, slices, scalars) are
// normalized through encoding/json first, so structs are validated by
// their JSON field names.
func (s *JSONSchema) Validate(value any) error {
	generic, err := normalize(value)
	if err != nil {
		return &Error{Issues: []string{err.Error()}}
	}

	err = validate.AgainstSchema(s.schema, generic, s.formats)
	if err == nil {
		return nil
	}

	var issues []string
	var composite *oaierrors.CompositeError
	if errors.As(err, &composite) {
		issues = flattenComposite(composite)
	} else {
		issues = []string{err.Error()}
	}
	sort.Strings(issues)
	return &Error{Issues: issues}
}

func flattenComposite(ce *oaierrors.CompositeError) []string {
	var out []string
	for _, e := range ce.Errors {
		var nested *oaierrors.CompositeError
		if errors.As(e, &nested) {
			out = append(out, flattenComposite(nested)...)
			continue
		}
		out = append(out, e.Error())
	}
	if len(out) == 0 && ce.Error() != "" {
		out = append(out, ce.Error())
	}
	return out
}

// normalize round-trips value through encoding/json. YAML decoders produce
// int and map[string]any values nested at any depth, so even generic maps
// are re-encoded to get float64 numbers throughout.
func normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
