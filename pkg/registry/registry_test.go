// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/schema"
)

func noopHandler(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	return mcp.TextResult("ok"), nil
}

func testTool(name, category string) *Tool {
	return &Tool{
		Name:     name,
		Category: category,
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"host": {Type: "string", Required: true},
		}},
		Handler: noopHandler,
		Plugin:  "builtin",
	}
}

func TestRegisterLookupTool(t *testing.T) {
	t.Parallel()
	r := New()

	require.NoError(t, r.RegisterTool(testTool("ping", "network")))

	tool, err := r.LookupTool("ping")
	require.NoError(t, err)
	assert.Equal(t, "network", tool.Category)

	_, err = r.LookupTool("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterToolNameCollision(t *testing.T) {
	t.Parallel()
	r := New()

	require.NoError(t, r.RegisterTool(testTool("ping", "network")))
	err := r.RegisterTool(testTool("ping", "other"))
	assert.ErrorIs(t, err, ErrNameCollision)
	assert.Equal(t, 1, r.ToolCount())
}

func TestListToolsByCategory(t *testing.T) {
	t.Parallel()
	r := New()

	require.NoError(t, r.RegisterTool(testTool("ping", "network")))
	require.NoError(t, r.RegisterTool(testTool("traceroute", "network")))
	require.NoError(t, r.RegisterTool(testTool("memory_stats", "memory")))

	all := r.ListTools("")
	require.Len(t, all, 3)
	// Sorted by name.
	assert.Equal(t, "memory_stats", all[0].Name)

	network := r.ListTools("network")
	assert.Len(t, network, 2)
}

func TestUnregisterPlugin(t *testing.T) {
	t.Parallel()
	r := New()

	pluginTool := testTool("proxmox_list_vms", "proxmox")
	pluginTool.Plugin = "proxmox"
	require.NoError(t, r.RegisterTool(pluginTool))
	require.NoError(t, r.RegisterTool(testTool("ping", "network")))

	removed := r.UnregisterPlugin("proxmox")
	assert.Equal(t, 1, removed[KindTool])
	assert.Equal(t, 1, r.ToolCount())
}

func TestToolValidateCompiledAtRegistration(t *testing.T) {
	t.Parallel()
	r := New()

	require.NoError(t, r.RegisterTool(testTool("ping", "network")))
	tool, err := r.LookupTool("ping")
	require.NoError(t, err)

	_, err = tool.Validate(map[string]any{"host": "8.8.8.8"})
	assert.NoError(t, err)

	_, err = tool.Validate(map[string]any{})
	assert.Error(t, err)
}

func TestOnChangeFires(t *testing.T) {
	t.Parallel()
	r := New()

	var toolEvents atomic.Int32
	r.OnChange(func(kind Kind) {
		if kind == KindTool {
			toolEvents.Add(1)
		}
	})

	require.NoError(t, r.RegisterTool(testTool("ping", "network")))
	require.NoError(t, r.UnregisterTool("ping"))
	assert.Equal(t, int32(2), toolEvents.Load())
}

func TestResourcesAndPrompts(t *testing.T) {
	t.Parallel()
	r := New()

	require.NoError(t, r.RegisterResource(&Resource{
		Resource: mcp.Resource{URI: "cmdb://stats", Name: "CMDB statistics"},
		Reader: func(_ context.Context) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{{URI: "cmdb://stats", Text: "{}"}}, nil
		},
	}))
	assert.ErrorIs(t, r.RegisterResource(&Resource{
		Resource: mcp.Resource{URI: "cmdb://stats", Name: "dup"},
		Reader:   func(_ context.Context) ([]mcp.ResourceContents, error) { return nil, nil },
	}), ErrNameCollision)

	require.NoError(t, r.RegisterPrompt(&Prompt{
		Prompt: mcp.Prompt{Name: "discovery-plan"},
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"subnet": {Type: "string", Required: true},
		}},
		Renderer: func(_ context.Context, _ map[string]any) ([]mcp.PromptMessage, error) {
			return []mcp.PromptMessage{{Role: "user", Content: mcp.TextContent("plan")}}, nil
		},
	}))

	p, err := r.LookupPrompt("discovery-plan")
	require.NoError(t, err)
	_, err = p.Validate(map[string]any{})
	assert.Error(t, err)
}

func TestToolNameUniquenessInvariant(t *testing.T) {
	t.Parallel()
	r := New()

	names := []string{"a", "b", "c", "d"}
	for _, n := range names {
		require.NoError(t, r.RegisterTool(testTool(n, "t")))
	}

	seen := map[string]bool{}
	for _, tool := range r.ListTools("") {
		assert.False(t, seen[tool.Name])
		seen[tool.Name] = true
	}
	assert.Equal(t, len(names), r.ToolCount())
}
