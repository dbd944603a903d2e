// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pingDescriptor() *Descriptor {
	return &Descriptor{
		Properties: map[string]*Property{
			"host": {
				Type:        "string",
				Description: "Target hostname or IP address",
				Required:    true,
			},
			"count": {
				Type:        "number",
				Description: "Number of echo requests",
				Default:     float64(4),
				Minimum:     Float(1),
				Maximum:     Float(10),
			},
			"timeout": {
				Type:    "number",
				Default: float64(5),
			},
		},
	}
}

func TestJSONSchemaShape(t *testing.T) {
	t.Parallel()

	s := pingDescriptor().JSONSchema()

	assert.Equal(t, "object", s["type"])
	assert.Equal(t, false, s["additionalProperties"])
	assert.Equal(t, "http://json-schema.org/draft-07/schema#", s["$schema"])
	assert.Equal(t, []any{"host"}, s["required"])

	props, ok := s["properties"].(map[string]any)
	require.True(t, ok)

	count, ok := props["count"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), count["minimum"])
	assert.Equal(t, float64(10), count["maximum"])
	assert.Equal(t, float64(4), count["default"])
}

// The compiled schema must be a plain JSON tree: the validator rejects
// Go-typed slices such as []string, which would make every descriptor
// with required parameters fail to compile.
func TestJSONSchemaIsPlainJSONTree(t *testing.T) {
	t.Parallel()

	var check func(t *testing.T, v any)
	check = func(t *testing.T, v any) {
		t.Helper()
		switch tv := v.(type) {
		case map[string]any:
			for _, e := range tv {
				check(t, e)
			}
		case []any:
			for _, e := range tv {
				check(t, e)
			}
		case string, bool, float64, nil:
		default:
			t.Fatalf("schema contains non-JSON value of type %T", v)
		}
	}
	check(t, pingDescriptor().JSONSchema())

	// And it must actually compile.
	_, err := NewValidator(pingDescriptor())
	require.NoError(t, err)
}

func TestSanitizeStripsMetaProperties(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"$defs":       map[string]any{"x": true},
		"definitions": map[string]any{"y": true},
		"type":        "object",
		"properties":  map[string]any{"host": map[string]any{"type": "string"}},
	}

	out := Sanitize(in)

	assert.NotContains(t, out, "$schema")
	assert.NotContains(t, out, "$defs")
	assert.NotContains(t, out, "definitions")
	assert.Equal(t, "object", out["type"])
	assert.Equal(t, false, out["additionalProperties"])

	// Original untouched.
	assert.Contains(t, in, "$schema")
}

func TestSanitizeFillsMissingProperties(t *testing.T) {
	t.Parallel()

	out := Sanitize(map[string]any{"type": "string"})
	assert.Equal(t, "object", out["type"])
	assert.Equal(t, map[string]any{}, out["properties"])
}

func TestValidateAppliesDefaults(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(pingDescriptor())
	require.NoError(t, err)

	out, err := v.Validate(map[string]any{"host": "8.8.8.8"})
	require.NoError(t, err)
	assert.Equal(t, float64(4), out["count"])
	assert.Equal(t, float64(5), out["timeout"])
	assert.Equal(t, "8.8.8.8", out["host"])
}

func TestValidateRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(pingDescriptor())
	require.NoError(t, err)

	_, err = v.Validate(map[string]any{"host": "a", "bogus": 1})
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "bogus", ve.Field)
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(pingDescriptor())
	require.NoError(t, err)

	_, err = v.Validate(map[string]any{"count": 2})
	assert.Error(t, err)
}

func TestValidateEnforcesBounds(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(pingDescriptor())
	require.NoError(t, err)

	tests := []struct {
		name  string
		count any
		ok    bool
	}{
		{"lower bound", float64(1), true},
		{"upper bound", float64(10), true},
		{"below", float64(0), false},
		{"above", float64(11), false},
		{"wrong type", "four", false},
		{"int accepted as number", 2, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Validate(map[string]any{"host": "h", "count": tc.count})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				var ve *ValidationError
				assert.ErrorAs(t, err, &ve)
				if tc.count != nil && err != nil {
					assert.Contains(t, ve.Field, "count")
				}
			}
		})
	}
}

func TestValidateEnum(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Descriptor{
		Properties: map[string]*Property{
			"protocol": {Type: "string", Enum: []any{"tcp", "udp"}, Required: true},
		},
	})
	require.NoError(t, err)

	_, err = v.Validate(map[string]any{"protocol": "tcp"})
	assert.NoError(t, err)

	_, err = v.Validate(map[string]any{"protocol": "icmp"})
	assert.Error(t, err)
}

func TestValidateNestedObjects(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Descriptor{
		Properties: map[string]*Property{
			"target": {
				Type:     "object",
				Required: true,
				Properties: map[string]*Property{
					"node": {Type: "string", Required: true},
					"vmid": {Type: "integer"},
				},
			},
		},
	})
	require.NoError(t, err)

	_, err = v.Validate(map[string]any{"target": map[string]any{"node": "pve1", "vmid": 101}})
	assert.NoError(t, err)

	_, err = v.Validate(map[string]any{"target": map[string]any{"vmid": 101}})
	assert.Error(t, err)
}

func TestValidateOpenObjectAcceptsArbitraryKeys(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Descriptor{
		Properties: map[string]*Property{
			"attributes": {Type: "object", Required: true, Open: true},
		},
	})
	require.NoError(t, err)

	_, err = v.Validate(map[string]any{"attributes": map[string]any{
		"os": "linux", "cores": 8, "tags": []any{"prod"},
	}})
	assert.NoError(t, err)

	// Top level stays closed even when a nested object is open.
	_, err = v.Validate(map[string]any{"attrs": map[string]any{}})
	assert.Error(t, err)
}
