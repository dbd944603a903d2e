// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// metaProperties are implementation details stripped from outbound schemas.
var metaProperties = []string{"$schema", "$defs", "definitions", "$id"}

// Sanitize normalizes a JSON Schema for the outbound tools/list surface:
// meta properties are removed, the type is forced to object, properties is
// always present, and additionalProperties is false. The input is not
// mutated.
func Sanitize(s map[string]any) map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	for _, meta := range metaProperties {
		delete(out, meta)
	}

	out["type"] = "object"
	if _, ok := out["properties"].(map[string]any); !ok {
		out["properties"] = map[string]any{}
	}
	out["additionalProperties"] = false
	return out
}
