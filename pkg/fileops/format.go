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
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects how a staged payload is serialized.
//
// The format is always chosen explicitly by the caller. FormatFromPath
// exists for boundary code (CLI, config merge) that only has a filename.
type Format int

const (
	// FormatText writes a string or []byte verbatim.
	FormatText Format = iota

	// FormatJSON writes indented JSON (two spaces) with a trailing newline.
	FormatJSON

	// FormatYAML writes block-style YAML with a two space indent.
	FormatYAML

	// FormatBinary writes a []byte verbatim.
	FormatBinary
)

// String returns the lower-case format name.
func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatJSON:
		return "json"
	case FormatYAML:
		return "yaml"
	case FormatBinary:
		return "binary"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat parses a format name as produced by Format.String.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "text", "txt":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "binary", "bin":
		return FormatBinary, nil
	}
	return 0, fmt.Errorf("unknown format %q", name)
}

// FormatFromPath infers a structured format from a file extension.
//
// Only .json, .yaml and .yml are recognized; anything else is an error so
// callers never silently write structured data as text.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return 0, fmt.Errorf("cannot infer structured format from %q", path)
}

// Payload describes one complete write.
type Payload struct {
	Path   string
	Format Format
	Data   any
}

// encode serializes value according to format.
//
// sortKeys normalizes structs through a generic map first, so every mapping
// is emitted in key order instead of struct field order.
func encode(format Format, value any, sortKeys bool) ([]byte, error) {
	switch format {
	case FormatText, FormatBinary:
		switch v := value.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			out := make([]byte, len(v))
			copy(out, v)
			return out, nil
		case nil:
			return []byte{}, nil
		default:
			return nil, fmt.Errorf("%s payload must be string or []byte, got %T", format, value)
		}

	case FormatJSON:
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding json: %w", err)
		}
		return append(data, '\n'), nil

	case FormatYAML:
		if sortKeys {
			generic, err := toGeneric(value)
			if err != nil {
				return nil, err
			}
			value = generic
		}
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(value); err != nil {
			return nil, fmt.Errorf("encoding yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encoding yaml: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported format %s", format)
}

// decodeMap parses structured data into a generic mapping. Empty input
// decodes to an empty map.
func decodeMap(format Format, data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decoding json: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decoding yaml: %w", err)
		}
		if out == nil {
			out = map[string]any{}
		}
	default:
		return nil, fmt.Errorf("format %s is not a structured format", format)
	}
	return out, nil
}

// toGeneric converts any JSON-serializable value into maps, slices and
// scalars.
func toGeneric(value any) (any, error) {
	switch value.(type) {
	case map[string]any, []any, string, float64, bool, nil:
		return value, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalizing payload: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalizing payload: %w", err)
	}
	return out, nil
}
