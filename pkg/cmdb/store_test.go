// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package cmdb

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrascope/infrascope/pkg/crypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	key, err := crypto.NewKey()
	require.NoError(t, err)

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "cmdb.db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ci := CI{
		Key:  "ci:host:10.0.0.5",
		Type: "host",
		Attributes: map[string]any{
			"hostname": "db01",
			"os":       "linux",
			"ports":    []any{float64(22), float64(5432)},
		},
	}
	require.NoError(t, s.Set(ctx, ci))

	got, err := s.Get(ctx, "ci:host:10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, ci.Key, got.Key)
	assert.Equal(t, ci.Type, got.Type)
	assert.Equal(t, ci.Attributes, got.Attributes)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "ci:host:nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, CI{Key: "ci:host:a", Type: "host"}))
	first, err := s.Get(ctx, "ci:host:a")
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, CI{Key: "ci:host:a", Type: "host", Attributes: map[string]any{"up": true}}))
	second, err := s.Get(ctx, "ci:host:a")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
}

func TestSetRejectsMissingParent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.Set(context.Background(), CI{
		Key:       "ci:interface:eth0",
		Type:      "interface",
		ParentKey: "ci:host:missing",
	})
	assert.ErrorIs(t, err, ErrMissingParent)
}

func TestMergeShallowMergesAttributes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, CI{
		Key:        "ci:host:web01",
		Type:       "host",
		Attributes: map[string]any{"os": "linux", "cpu": float64(4)},
	}))

	got, err := s.Merge(ctx, "ci:host:web01", map[string]any{"cpu": float64(8), "ram": "16G"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"os": "linux", "cpu": float64(8), "ram": "16G"}, got.Attributes)
}

func TestMergeCreatesMissingCI(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.Merge(context.Background(), "ci:vm:101", map[string]any{"state": "running"})
	require.NoError(t, err)
	assert.Equal(t, "vm", got.Type)
	assert.Equal(t, map[string]any{"state": "running"}, got.Attributes)
}

func TestQueryGlob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"ci:host:10.0.0.1", "ci:host:10.0.0.2", "ci:vm:100"} {
		require.NoError(t, s.Set(ctx, CI{Key: key, Type: inferType(key)}))
	}

	hosts, err := s.Query(ctx, "ci:host:*")
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "ci:host:10.0.0.1", hosts[0].Key)

	all, err := s.Query(ctx, "ci:*")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.Query(ctx, "ci:container:*")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRelationships(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, CI{Key: "ci:host:h1", Type: "host"}))
	require.NoError(t, s.Set(ctx, CI{Key: "ci:vm:v1", Type: "vm"}))

	require.NoError(t, s.AddRelationship(ctx, "ci:host:h1", "ci:vm:v1", "runs"))
	assert.ErrorIs(t, s.AddRelationship(ctx, "ci:host:h1", "ci:vm:v1", "runs"), ErrAlreadyExists)
	assert.Error(t, s.AddRelationship(ctx, "ci:host:h1", "ci:vm:ghost", "runs"))

	rels, err := s.Relationships(ctx, "ci:vm:v1")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "runs", rels[0].RelationshipType)
}

func TestClearRemovesItemsNotCredentials(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, CI{Key: "ci:host:x", Type: "host"}))
	require.NoError(t, s.AddCredential(ctx, Credential{
		ID: "c1", Kind: CredentialPassword, Fields: map[string]string{"password": "p"},
	}))

	require.NoError(t, s.Clear(ctx))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Items)
	assert.Equal(t, 1, st.Credentials)
}

func TestStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, CI{Key: "ci:host:a", Type: "host"}))
	require.NoError(t, s.Set(ctx, CI{Key: "ci:host:b", Type: "host"}))
	require.NoError(t, s.Set(ctx, CI{Key: "ci:vm:c", Type: "vm"}))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Items)
	assert.Equal(t, 2, st.ItemsByType["host"])
	assert.Equal(t, 1, st.ItemsByType["vm"])
}

func TestMigrateFromFilesystem(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	root := t.TempDir()
	hostDir := filepath.Join(root, "host")
	require.NoError(t, os.MkdirAll(hostDir, 0755))

	writeLegacy := func(path string, item map[string]any) {
		data, err := json.Marshal(item)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0644))
	}

	writeLegacy(filepath.Join(hostDir, "10.0.0.5.json"), map[string]any{
		"key": "ci:host:10.0.0.5", "type": "host",
		"attributes": map[string]any{"hostname": "db01"},
	})
	writeLegacy(filepath.Join(hostDir, "eth0.json"), map[string]any{
		"key": "ci:interface:eth0", "type": "interface", "parent_key": "ci:host:10.0.0.5",
	})
	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "garbage.json"), []byte("{"), 0644))

	n, err := s.MigrateFromFilesystem(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	child, err := s.Get(ctx, "ci:interface:eth0")
	require.NoError(t, err)
	assert.Equal(t, "ci:host:10.0.0.5", child.ParentKey)
}
