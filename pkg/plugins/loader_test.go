// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/registry"
	"github.com/infrascope/infrascope/pkg/schema"
	"github.com/infrascope/infrascope/pkg/telemetry"
)

func noopTool(name string) *registry.Tool {
	return &registry.Tool{
		Name:       name,
		Descriptor: &schema.Descriptor{},
		Handler: func(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
			return mcp.TextResult("ok"), nil
		},
	}
}

// writePlugin lays out a plugin directory under root with the given
// files and a manifest whose dist hash and checksums match the tree.
// mutate, if non-nil, edits the manifest before it is written.
func writePlugin(t *testing.T, root, id string, files map[string]string, mutate func(m *Manifest)) {
	t.Helper()

	dir := filepath.Join(root, id)
	m := &Manifest{
		ManifestVersion: "2",
		Name:            id,
		Version:         "1.0.0",
		Entry:           id + "/main",
		Capabilities: &Capabilities{
			Tools: []CapabilityRef{{Name: id + "_tool"}},
		},
	}
	m.Dist.Checksums = &struct {
		Files []FileChecksum `json:"files,omitempty"`
	}{}

	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		sum := sha256.Sum256([]byte(content))
		m.Dist.Checksums.Files = append(m.Dist.Checksums.Files, FileChecksum{
			Path:   rel,
			SHA256: hex.EncodeToString(sum[:]),
		})
	}

	hash, err := newHashCache().ContentHash(dir)
	require.NoError(t, err)
	m.Dist.Hash = hash

	if mutate != nil {
		mutate(m)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), data, 0o644))
}

func newTestLoader(t *testing.T, table FactoryTable) (*Loader, *registry.Registry, string) {
	t.Helper()
	root := t.TempDir()
	reg := registry.New()
	return NewLoader(root, reg, table), reg, root
}

func TestLoadRegistersDeclaredTools(t *testing.T) {
	t.Parallel()

	table := FactoryTable{"net/main": func(host Host) error {
		return host.RegisterTool(noopTool("net_tool"))
	}}
	loader, reg, root := newTestLoader(t, table)
	writePlugin(t, root, "net", map[string]string{"index.txt": "payload"}, nil)

	require.NoError(t, loader.Load("net"))

	tool, err := reg.LookupTool("net_tool")
	require.NoError(t, err)
	assert.Equal(t, "net", tool.Plugin)
	require.Len(t, loader.Loaded(), 1)
	assert.Equal(t, "1.0.0", loader.Loaded()[0].Manifest.Version)
}

func TestLoadRejectsDistHashMismatch(t *testing.T) {
	t.Parallel()

	called := false
	table := FactoryTable{"net/main": func(Host) error {
		called = true
		return nil
	}}
	loader, reg, root := newTestLoader(t, table)
	writePlugin(t, root, "net", map[string]string{"index.txt": "payload"}, nil)

	// Tamper after the manifest was written.
	require.NoError(t, os.WriteFile(filepath.Join(root, "net", "index.txt"), []byte("tampered"), 0o644))

	err := loader.Load("net")
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.False(t, called, "plugin code must not run after integrity failure")
	assert.Equal(t, 0, reg.ToolCount())
	require.Len(t, loader.Failures(), 1)
	assert.Equal(t, "verify", loader.Failures()[0].Stage)
}

func TestLoadRejectsDuplicateChecksumEntries(t *testing.T) {
	t.Parallel()

	loader, _, root := newTestLoader(t, FactoryTable{})
	writePlugin(t, root, "net", map[string]string{"index.txt": "payload"}, func(m *Manifest) {
		m.Dist.Checksums.Files = append(m.Dist.Checksums.Files, m.Dist.Checksums.Files[0])
	})

	err := loader.Load("net")
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	assert.Contains(t, ierr.Reason, "duplicate")
}

func TestLoadRejectsExternalDepsUnderBundledOnly(t *testing.T) {
	t.Parallel()

	loader, _, root := newTestLoader(t, FactoryTable{})
	writePlugin(t, root, "net", map[string]string{"index.txt": "payload"}, func(m *Manifest) {
		m.ExternalDependencies = []string{"left-pad"}
	})

	err := loader.Load("net")
	var perr *PolicyError
	require.ErrorAs(t, err, &perr)
}

func TestLoadAllowsExternalDepsWhenDeclared(t *testing.T) {
	t.Parallel()

	table := FactoryTable{"net/main": func(host Host) error {
		return host.RegisterTool(noopTool("net_tool"))
	}}
	loader, _, root := newTestLoader(t, table)
	writePlugin(t, root, "net", map[string]string{"index.txt": "payload"}, func(m *Manifest) {
		m.DependenciesPolicy = PolicyExternalAllowed
		m.ExternalDependencies = []string{"left-pad"}
	})

	require.NoError(t, loader.Load("net"))
}

func TestLoadRollsBackUndeclaredTools(t *testing.T) {
	t.Parallel()

	table := FactoryTable{"net/main": func(host Host) error {
		if err := host.RegisterTool(noopTool("net_tool")); err != nil {
			return err
		}
		return host.RegisterTool(noopTool("sneaky_tool"))
	}}
	loader, reg, root := newTestLoader(t, table)
	writePlugin(t, root, "net", map[string]string{"index.txt": "payload"}, nil)

	err := loader.Load("net")
	var cerr *CapabilityMismatchError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"sneaky_tool"}, cerr.Undeclared)
	assert.Equal(t, 0, reg.ToolCount(), "all registrations rolled back")
}

func TestLoadRejectsUnknownEntry(t *testing.T) {
	t.Parallel()

	loader, _, root := newTestLoader(t, FactoryTable{})
	writePlugin(t, root, "net", map[string]string{"index.txt": "payload"}, nil)

	err := loader.Load("net")
	var lerr *LoadError
	require.ErrorAs(t, err, &lerr)
}

func TestUnloadRemovesRegistrations(t *testing.T) {
	t.Parallel()

	table := FactoryTable{"net/main": func(host Host) error {
		return host.RegisterTool(noopTool("net_tool"))
	}}
	loader, reg, root := newTestLoader(t, table)
	writePlugin(t, root, "net", map[string]string{"index.txt": "payload"}, nil)

	require.NoError(t, loader.Load("net"))
	require.NoError(t, loader.Unload("net"))
	assert.Equal(t, 0, reg.ToolCount())
	assert.Empty(t, loader.Loaded())
}

func TestReloadKeepsPreviousVersionOnFailure(t *testing.T) {
	t.Parallel()

	table := FactoryTable{"net/main": func(host Host) error {
		return host.RegisterTool(noopTool("net_tool"))
	}}
	loader, reg, root := newTestLoader(t, table)
	writePlugin(t, root, "net", map[string]string{"index.txt": "v1"}, nil)
	require.NoError(t, loader.Load("net"))

	// Change the tree without updating the manifest hash.
	require.NoError(t, os.WriteFile(filepath.Join(root, "net", "index.txt"), []byte("v2-corrupt"), 0o644))

	err := loader.Reload("net")
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)

	_, lookupErr := reg.LookupTool("net_tool")
	assert.NoError(t, lookupErr, "previous version must keep serving")
	require.Len(t, loader.Loaded(), 1)
	assert.Equal(t, "1.0.0", loader.Loaded()[0].Manifest.Version)
}

func TestReloadPicksUpNewVersion(t *testing.T) {
	t.Parallel()

	table := FactoryTable{"net/main": func(host Host) error {
		return host.RegisterTool(noopTool("net_tool"))
	}}
	loader, _, root := newTestLoader(t, table)
	writePlugin(t, root, "net", map[string]string{"index.txt": "v1"}, nil)
	require.NoError(t, loader.Load("net"))

	writePlugin(t, root, "net", map[string]string{"index.txt": "v2"}, func(m *Manifest) {
		m.Version = "1.1.0"
	})

	require.NoError(t, loader.Reload("net"))
	require.Len(t, loader.Loaded(), 1)
	assert.Equal(t, "1.1.0", loader.Loaded()[0].Manifest.Version)
}

// reloadCount scrapes the metrics endpoint for the hot-reload counter
// with the given outcome label.
func reloadCount(t *testing.T, outcome string) float64 {
	t.Helper()

	rec := httptest.NewRecorder()
	telemetry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	prefix := `infrascope_plugin_reloads_total{outcome="` + outcome + `"}`
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, prefix) {
			fields := strings.Fields(line)
			v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
			require.NoError(t, err)
			return v
		}
	}
	return 0
}

func TestReloadRecordsMetric(t *testing.T) { //nolint:paralleltest // reads process-wide counters
	table := FactoryTable{"net/main": func(host Host) error {
		return host.RegisterTool(noopTool("net_tool"))
	}}
	loader, _, root := newTestLoader(t, table)
	writePlugin(t, root, "net", map[string]string{"index.txt": "v1"}, nil)
	require.NoError(t, loader.Load("net"))

	okBefore := reloadCount(t, "ok")
	errBefore := reloadCount(t, "error")

	writePlugin(t, root, "net", map[string]string{"index.txt": "v2"}, func(m *Manifest) {
		m.Version = "1.1.0"
	})
	require.NoError(t, loader.Reload("net"))
	assert.Equal(t, okBefore+1, reloadCount(t, "ok"))

	// A rejected reload lands on the error series.
	require.NoError(t, os.WriteFile(filepath.Join(root, "net", "index.txt"), []byte("corrupt"), 0o644))
	require.Error(t, loader.Reload("net"))
	assert.Equal(t, errBefore+1, reloadCount(t, "error"))
}

func TestManifestSchemaRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(m *Manifest)
	}{
		{"bad version", func(m *Manifest) { m.Version = "one" }},
		{"bad hash format", func(m *Manifest) { m.Dist.Hash = "md5:abc" }},
		{"bad policy", func(m *Manifest) { m.DependenciesPolicy = "yolo" }},
		{"empty entry", func(m *Manifest) { m.Entry = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			root := t.TempDir()
			writePlugin(t, root, "net", map[string]string{"index.txt": "x"}, tc.mutate)
			_, err := ReadManifest(filepath.Join(root, "net"))
			assert.Error(t, err)
		})
	}
}

func TestContentHashCacheAvoidsRereading(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlugin(t, root, "net", map[string]string{"a.txt": "aaa", "sub/b.txt": "bbb"}, nil)
	dir := filepath.Join(root, "net")

	c := newHashCache()
	first, err := c.ContentHash(dir)
	require.NoError(t, err)
	second, err := c.ContentHash(dir)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.stats.misses)
	assert.Equal(t, 1, c.stats.hits)
}

func TestContentHashChangesWithContent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlugin(t, root, "net", map[string]string{"a.txt": "aaa"}, nil)
	dir := filepath.Join(root, "net")

	c := newHashCache()
	first, err := c.ContentHash(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("changed"), 0o644))
	second, err := c.ContentHash(dir)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestContentHashExcludesManifest(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writePlugin(t, root, "net", map[string]string{"a.txt": "aaa"}, nil)
	dir := filepath.Join(root, "net")

	c := newHashCache()
	first, err := c.ContentHash(dir)
	require.NoError(t, err)

	// Rewriting the manifest must not change the content hash.
	writePlugin(t, root, "net", map[string]string{"a.txt": "aaa"}, func(m *Manifest) {
		m.Version = "9.9.9"
	})
	c.Invalidate(dir)
	second, err := c.ContentHash(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadLaxModeKeepsUndeclaredTools(t *testing.T) {
	t.Parallel()

	table := FactoryTable{"net/main": func(host Host) error {
		if err := host.RegisterTool(noopTool("net_tool")); err != nil {
			return err
		}
		return host.RegisterTool(noopTool("extra_tool"))
	}}
	loader, reg, root := newTestLoader(t, table)
	loader.SetStrict(false)
	writePlugin(t, root, "net", map[string]string{"index.txt": "payload"}, nil)

	require.NoError(t, loader.Load("net"))
	assert.Equal(t, 2, reg.ToolCount())
}
