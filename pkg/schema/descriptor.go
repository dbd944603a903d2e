// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema implements the tool parameter pipeline: rich parameter
// descriptors are compiled into draft-07 JSON Schemas, outbound schemas are
// sanitized for tools/list, and inbound tool arguments are validated.
package schema

// Property describes a single tool parameter. Nested objects and arrays
// are expressed through Properties and Items.
type Property struct {
	// Type is one of string, number, integer, boolean, array, object.
	Type string

	// Description is surfaced to clients in tools/list.
	Description string

	// Required marks the parameter as mandatory.
	Required bool

	// Default is applied to absent optional parameters before
	// validation.
	Default any

	// Enum restricts the value to a fixed set.
	Enum []any

	// Minimum and Maximum bound numeric values.
	Minimum *float64
	Maximum *float64

	// Items describes array element schemas.
	Items *Property

	// Properties describes nested object fields.
	Properties map[string]*Property

	// Open marks an object parameter as free-form: its keys are not
	// enumerated and additionalProperties stays open. Used for opaque
	// attribute maps.
	Open bool
}

// Descriptor is the full parameter set of one tool.
type Descriptor struct {
	Properties map[string]*Property
}

// Float returns a *float64 for use as a Minimum/Maximum bound.
func Float(v float64) *float64 { return &v }

// JSONSchema converts the descriptor to a draft-07 JSON Schema object.
// This is the pre-sanitization form used for argument validation; it
// carries the $schema marker that Sanitize later strips.
func (d *Descriptor) JSONSchema() map[string]any {
	s := compileObject(d.Properties)
	s["$schema"] = "http://json-schema.org/draft-07/schema#"
	return s
}

func compileObject(props map[string]*Property) map[string]any {
	properties := map[string]any{}
	var required []string
	for name, p := range props {
		properties[name] = compileProperty(p)
		if p.Required {
			required = append(required, name)
		}
	}
	s := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		sortStrings(required)
		// The validator only understands plain JSON trees, so the list
		// goes in as []any rather than []string.
		req := make([]any, len(required))
		for i, name := range required {
			req[i] = name
		}
		s["required"] = req
	}
	return s
}

func compileProperty(p *Property) map[string]any {
	if p.Type == "object" {
		var s map[string]any
		if p.Open {
			s = map[string]any{"type": "object"}
		} else {
			s = compileObject(p.Properties)
		}
		if p.Description != "" {
			s["description"] = p.Description
		}
		return s
	}

	s := map[string]any{"type": p.Type}
	if p.Description != "" {
		s["description"] = p.Description
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Minimum != nil {
		s["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		s["maximum"] = *p.Maximum
	}
	if p.Type == "array" && p.Items != nil {
		s["items"] = compileProperty(p.Items)
	}
	return s
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j] < ss[j-1]; j-- {
			ss[j], ss[j-1] = ss[j-1], ss[j]
		}
	}
}
