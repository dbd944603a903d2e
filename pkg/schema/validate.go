// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports a failed argument validation with the offending
// field when it can be determined.
type ValidationError struct {
	// Field is a JSON pointer-ish path to the offending parameter, or
	// empty when the failure applies to the whole argument object.
	Field string

	// Detail is the human-readable reason.
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments: %s", e.Detail)
	}
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Detail)
}

// Validator validates tool arguments against a compiled pre-sanitization
// schema. Compile once per tool registration; Validate is safe for
// concurrent use.
type Validator struct {
	desc     *Descriptor
	compiled *jsonschema.Schema
}

// NewValidator compiles the descriptor's schema.
func NewValidator(desc *Descriptor) (*Validator, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalize(desc.JSONSchema())); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &Validator{desc: desc, compiled: compiled}, nil
}

// Validate checks args against the schema and returns a copy with defaults
// applied. Unknown keys are rejected; a failure names the offending field.
func (v *Validator) Validate(args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}

	// Unknown keys get a targeted message rather than the generic
	// additionalProperties failure.
	for key := range args {
		if _, ok := v.desc.Properties[key]; !ok {
			return nil, &ValidationError{Field: key, Detail: "unknown parameter"}
		}
	}

	out := make(map[string]any, len(args))
	for k, val := range args {
		out[k] = val
	}
	for name, p := range v.desc.Properties {
		if _, present := out[name]; !present && p.Default != nil {
			out[name] = p.Default
		}
	}

	if err := v.compiled.Validate(normalize(out)); err != nil {
		return nil, asValidationError(err)
	}
	return out, nil
}

// normalize rebuilds a value with the concrete types the validator
// expects (map[string]any / []any / float64 trees).
func normalize(value any) any {
	switch t := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = normalize(v)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = normalize(v)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = v
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return t
	}
}

func asValidationError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Detail: err.Error()}
	}

	// Walk to the deepest cause: it carries the most specific field.
	deepest := ve
	for len(deepest.Causes) > 0 {
		deepest = deepest.Causes[0]
	}
	return &ValidationError{
		Field:  strings.Join(deepest.InstanceLocation, "."),
		Detail: deepest.Error(),
	}
}
