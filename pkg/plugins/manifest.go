// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ManifestFileName is the manifest file inside every plugin directory.
const ManifestFileName = "manifest.json"

// Dependency policies.
const (
	// PolicyBundledOnly (the default) forbids external dependencies.
	PolicyBundledOnly = "bundled-only"
	// PolicyExternalAllowed permits declared external dependencies.
	PolicyExternalAllowed = "external-allowed"
)

// FileChecksum declares the expected sha256 of one distributed file.
type FileChecksum struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Dist describes the plugin's distribution tree.
type Dist struct {
	// Hash is the required content hash, "sha256:<hex64>".
	Hash       string `json:"hash"`
	FileCount  int    `json:"fileCount,omitempty"`
	TotalBytes int64  `json:"totalBytes,omitempty"`
	Checksums  *struct {
		Files []FileChecksum `json:"files,omitempty"`
	} `json:"checksums,omitempty"`
}

// CapabilityRef names one declared tool/resource/prompt.
type CapabilityRef struct {
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// Capabilities declares what a plugin intends to register.
type Capabilities struct {
	Tools     []CapabilityRef `json:"tools,omitempty"`
	Resources []CapabilityRef `json:"resources,omitempty"`
	Prompts   []CapabilityRef `json:"prompts,omitempty"`
}

// Manifest is the parsed plugin manifest.
type Manifest struct {
	ManifestVersion      string         `json:"manifestVersion"`
	Name                 string         `json:"name"`
	Version              string         `json:"version"`
	Entry                string         `json:"entry"`
	Dist                 Dist           `json:"dist"`
	DependenciesPolicy   string         `json:"dependenciesPolicy,omitempty"`
	ExternalDependencies []string       `json:"externalDependencies,omitempty"`
	Capabilities         *Capabilities  `json:"capabilities,omitempty"`
	Permissions          map[string]any `json:"permissions,omitempty"`
}

// manifestSchema is the draft-07 schema every manifest must satisfy
// before any other check runs.
var manifestSchema = map[string]any{
	"type":     "object",
	"required": []any{"manifestVersion", "name", "version", "entry", "dist"},
	"properties": map[string]any{
		"manifestVersion": map[string]any{"enum": []any{"2"}},
		"name":            map[string]any{"type": "string", "minLength": 1.0},
		"version": map[string]any{
			"type":    "string",
			"pattern": `^\d+\.\d+\.\d+(-[0-9A-Za-z.\-]+)?$`,
		},
		"entry": map[string]any{"type": "string", "minLength": 1.0},
		"dist": map[string]any{
			"type":     "object",
			"required": []any{"hash"},
			"properties": map[string]any{
				"hash": map[string]any{
					"type":    "string",
					"pattern": `^sha256:[0-9a-f]{64}$`,
				},
				"fileCount":  map[string]any{"type": "integer"},
				"totalBytes": map[string]any{"type": "integer"},
				"checksums": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"files": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type":     "object",
								"required": []any{"path", "sha256"},
								"properties": map[string]any{
									"path": map[string]any{"type": "string"},
									"sha256": map[string]any{
										"type":    "string",
										"pattern": `^[0-9a-f]{64}$`,
									},
								},
							},
						},
					},
				},
			},
		},
		"dependenciesPolicy": map[string]any{
			"enum": []any{PolicyBundledOnly, PolicyExternalAllowed},
		},
		"externalDependencies": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
		"capabilities": map[string]any{"type": "object"},
		"permissions":  map[string]any{"type": "object"},
	},
}

var compiledManifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.json", manifestSchema); err != nil {
		panic(fmt.Sprintf("adding manifest schema: %v", err))
	}
	s, err := c.Compile("manifest.json")
	if err != nil {
		panic(fmt.Sprintf("compiling manifest schema: %v", err))
	}
	return s
}

// ReadManifest loads and validates the manifest of the plugin directory.
func ReadManifest(pluginDir string) (*Manifest, error) {
	path := filepath.Join(pluginDir, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest schema validation: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.DependenciesPolicy == "" {
		m.DependenciesPolicy = PolicyBundledOnly
	}
	return &m, nil
}

// DeclaredToolNames returns the tool names from the manifest capabilities.
func (m *Manifest) DeclaredToolNames() map[string]bool {
	names := map[string]bool{}
	if m.Capabilities == nil {
		return names
	}
	for _, ref := range m.Capabilities.Tools {
		if ref.Name != "" {
			names[ref.Name] = true
		}
	}
	return names
}
