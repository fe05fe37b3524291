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
	"reflect"

	"github.com/go-playground/validator/v10"
)

// structValidate is shared by every StructSchema; validator caches struct
// metadata internally and is safe for concurrent use.
var structValidate = validator.New(validator.WithRequiredStructEnabled())

// StructSchema validates a payload by decoding it into a Go struct and
// checking the struct's `validate` tags.
type StructSchema struct {
	typ reflect.Type
}

// Struct builds a schema from a prototype struct value or pointer.
//
// # Example
//
//	type AppConfig struct {
//	    Name    string `json:"name" validate:"required"`
//	    Replicas int   `json:"replicas" validate:"min=1,max=10"`
//	}
//	s := schema.Struct(AppConfig{})
func Struct(prototype any) *StructSchema {
	t := reflect.TypeOf(prototype)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return &StructSchema{typ: t}
}

// Validate decodes value into a fresh instance of the prototype type and
// runs the struct validator over it. A value that already has the
// prototype type is validated directly.
func (s *StructSchema) Validate(value any) error {
	if s.typ == nil || s.typ.Kind() != reflect.Struct {
		return &Error{Issues: []string{"struct schema requires a struct prototype"}}
	}

	target := reflect.New(s.typ)
	rv := reflect.ValueOf(value)
	switch {
	case rv.IsValid() && rv.Type() == s.typ:
		target.Elem().Set(rv)
	case rv.IsValid() && rv.Type() == reflect.PointerTo(s.typ) && !rv.IsNil():
		target.Elem().Set(rv.Elem())
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return &Error{Issues: []string{fmt.Sprintf("value is not JSON-serializable: %v", err)}}
		}
		if err := json.Unmarshal(data, target.Interface()); err != nil {
			return &Error{Issues: []string{fmt.Sprintf("value does not match %s: %v", s.typ.Name(), err)}}
		}
	}

	err := structValidate.Struct(target.Interface())
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		issues := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			issue := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			if fe.Param() != "" {
				issue = fmt.Sprintf("%s failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
			}
			issues = append(issues, issue)
		}
		return &Error{Issues: issues}
	}
	return &Error{Issues: []string{err.Error()}}
}
