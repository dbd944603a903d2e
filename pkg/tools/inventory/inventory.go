// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package inventory registers the CMDB-backed built-in tools: the
// memory_* item operations, credential management, relationships, the
// cmdb://stats resource, and the discovery-plan prompt.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/infrascope/infrascope/pkg/cmdb"
	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/registry"
	"github.com/infrascope/infrascope/pkg/runtime"
	"github.com/infrascope/infrascope/pkg/schema"
)

// Category groups the inventory tools in tools/list.
const Category = "inventory"

// StatsResourceURI is the read-only store summary resource.
const StatsResourceURI = "cmdb://stats"

// Register adds the CMDB tools, the stats resource, and the
// discovery-plan prompt to the registry.
func Register(reg *registry.Registry, store *cmdb.Store) error {
	tools := []*registry.Tool{
		memoryGetTool(store),
		memorySetTool(store),
		memoryMergeTool(store),
		memoryQueryTool(store),
		memoryDeleteTool(store),
		memoryClearTool(store),
		memoryStatsTool(store),
		memorySaveTool(store),
		memoryRotateKeyTool(store),
		memoryMigrateTool(store),
		relationshipAddTool(store),
		relationshipListTool(store),
		credentialsAddTool(store),
		credentialsGetTool(store),
		credentialsListTool(store),
		credentialsDeleteTool(store),
	}
	for _, tool := range tools {
		tool.Category = Category
		tool.Plugin = "builtin"
		if err := reg.RegisterTool(tool); err != nil {
			return fmt.Errorf("registering %s: %w", tool.Name, err)
		}
	}

	if err := reg.RegisterResource(statsResource(store)); err != nil {
		return fmt.Errorf("registering stats resource: %w", err)
	}
	if err := reg.RegisterPrompt(discoveryPlanPrompt()); err != nil {
		return fmt.Errorf("registering discovery-plan prompt: %w", err)
	}
	return nil
}

func keyProperty(desc string) *schema.Property {
	return &schema.Property{Type: "string", Description: desc, Required: true}
}

func memoryGetTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "memory_get",
		Description: "Fetch one configuration item from the CMDB by key.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"key": keyProperty("CI key, e.g. \"ci:host:10.0.0.5\"."),
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			ci, err := store.Get(ctx, stringArg(args, "key"))
			if errors.Is(err, cmdb.ErrNotFound) {
				return mcp.ErrorResult(fmt.Sprintf("no item with key %q", stringArg(args, "key"))), nil
			}
			if err != nil {
				return nil, err
			}
			return runtime.FormatJSON(ci), nil
		},
	}
}

func memorySetTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "memory_set",
		Description: "Create or replace a configuration item. Existing attributes are overwritten.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"key":  keyProperty("CI key to create or replace."),
			"type": {Type: "string", Description: "Item type (host, vm, container, service, ...).", Required: true},
			"parentKey": {
				Type:        "string",
				Description: "Key of the containing CI; must already exist.",
			},
			"attributes": {
				Type:        "object",
				Description: "Discovered properties of the item.",
				Open:        true,
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			attrs, _ := args["attributes"].(map[string]any)
			ci := cmdb.CI{
				Key:        stringArg(args, "key"),
				Type:       stringArg(args, "type"),
				ParentKey:  stringArg(args, "parentKey"),
				Attributes: attrs,
			}
			if err := store.Set(ctx, ci); err != nil {
				if errors.Is(err, cmdb.ErrMissingParent) {
					return mcp.ErrorResult(fmt.Sprintf("parent %q does not exist", ci.ParentKey)), nil
				}
				return nil, err
			}
			return mcp.TextResult(fmt.Sprintf("stored %s", ci.Key)), nil
		},
	}
}

func memoryMergeTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "memory_merge",
		Description: "Shallow-merge attributes into an item, creating it if absent.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"key": keyProperty("CI key to merge into."),
			"attributes": {
				Type:        "object",
				Description: "Attributes to add or overwrite.",
				Required:    true,
				Open:        true,
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			attrs, _ := args["attributes"].(map[string]any)
			ci, err := store.Merge(ctx, stringArg(args, "key"), attrs)
			if err != nil {
				return nil, err
			}
			return runtime.FormatJSON(ci), nil
		},
	}
}

func memoryQueryTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "memory_query",
		Description: "List items whose keys match a glob pattern (* and ? wildcards).",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"pattern": {
				Type:        "string",
				Description: "Key glob, e.g. \"ci:host:*\".",
				Default:     "*",
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			items, err := store.Query(ctx, stringArg(args, "pattern"))
			if err != nil {
				return nil, err
			}
			return runtime.FormatJSON(map[string]any{"count": len(items), "items": items}), nil
		},
	}
}

func memoryDeleteTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "memory_delete",
		Description: "Delete one configuration item by key.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"key": keyProperty("CI key to delete."),
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			err := store.Delete(ctx, stringArg(args, "key"))
			if errors.Is(err, cmdb.ErrNotFound) {
				return mcp.ErrorResult(fmt.Sprintf("no item with key %q", stringArg(args, "key"))), nil
			}
			if err != nil {
				return nil, err
			}
			return mcp.TextResult(fmt.Sprintf("deleted %s", stringArg(args, "key"))), nil
		},
	}
}

func memoryClearTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "memory_clear",
		Description: "Remove every item and relationship. Stored credentials are kept.",
		Descriptor:  &schema.Descriptor{},
		Handler: func(ctx context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
			if err := store.Clear(ctx); err != nil {
				return nil, err
			}
			return mcp.TextResult("inventory cleared"), nil
		},
	}
}

func memoryStatsTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "memory_stats",
		Description: "Summarize the store: item counts by type, relationships, credentials.",
		Descriptor:  &schema.Descriptor{},
		Handler: func(ctx context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
			stats, err := store.Stats(ctx)
			if err != nil {
				return nil, err
			}
			return runtime.FormatJSON(stats), nil
		},
	}
}

func memorySaveTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "memory_save",
		Description: "Force a checkpoint of the database to disk.",
		Descriptor:  &schema.Descriptor{},
		Handler: func(ctx context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
			if err := store.Save(ctx); err != nil {
				return nil, err
			}
			return mcp.TextResult("saved"), nil
		},
	}
}

func memoryRotateKeyTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "memory_rotate_key",
		Description: "Re-encrypt all stored credentials under a key derived from new material. The old key is discarded.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"newKey": {
				Type:        "string",
				Description: "New key material; the data key is derived from it.",
				Required:    true,
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			if err := store.RotateKey(ctx, stringArg(args, "newKey")); err != nil {
				return nil, err
			}
			return mcp.TextResult("encryption key rotated"), nil
		},
	}
}

func memoryMigrateTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "memory_migrate",
		Description: "Import legacy per-item JSON files from a directory tree into the database.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"path": {
				Type:        "string",
				Description: "Root directory of the legacy JSON layout.",
				Required:    true,
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			n, err := store.MigrateFromFilesystem(ctx, stringArg(args, "path"))
			if err != nil {
				return mcp.ErrorResult(fmt.Sprintf("migration failed after %d items: %v", n, err)), nil
			}
			return mcp.TextResult(fmt.Sprintf("migrated %d items", n)), nil
		},
	}
}

func relationshipAddTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "relationship_add",
		Description: "Link two existing items with a typed relationship.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"parentKey": keyProperty("Key of the parent item."),
			"childKey":  keyProperty("Key of the child item."),
			"type": {
				Type:        "string",
				Description: "Relationship type.",
				Default:     "contains",
				Enum:        []any{"contains", "runs_on", "connects_to", "depends_on"},
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			err := store.AddRelationship(ctx,
				stringArg(args, "parentKey"), stringArg(args, "childKey"), stringArg(args, "type"))
			if errors.Is(err, cmdb.ErrNotFound) || errors.Is(err, cmdb.ErrMissingParent) {
				return mcp.ErrorResult(err.Error()), nil
			}
			if errors.Is(err, cmdb.ErrAlreadyExists) {
				return mcp.ErrorResult("relationship already exists"), nil
			}
			if err != nil {
				return nil, err
			}
			return mcp.TextResult("relationship added"), nil
		},
	}
}

func relationshipListTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "relationship_list",
		Description: "List the relationships an item participates in, as parent or child.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"key": keyProperty("CI key to inspect."),
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			rels, err := store.Relationships(ctx, stringArg(args, "key"))
			if err != nil {
				return nil, err
			}
			return runtime.FormatJSON(map[string]any{"count": len(rels), "relationships": rels}), nil
		},
	}
}

func credentialKindEnum() []any {
	return []any{
		string(cmdb.CredentialPassword),
		string(cmdb.CredentialAPIKey),
		string(cmdb.CredentialSSHKey),
		string(cmdb.CredentialOAuthToken),
		string(cmdb.CredentialCertificate),
		string(cmdb.CredentialCustom),
	}
}

func credentialsAddTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "credentials_add",
		Description: "Store a credential encrypted at rest. Field values never touch disk in plaintext.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"id":   keyProperty("Credential identifier, e.g. \"cred:pve1:root\"."),
			"kind": {Type: "string", Description: "Credential category.", Required: true, Enum: credentialKindEnum()},
			"fields": {
				Type:        "object",
				Description: "Secret fields (username, password, token, ...).",
				Required:    true,
				Open:        true,
			},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			fields := map[string]string{}
			if raw, ok := args["fields"].(map[string]any); ok {
				for k, v := range raw {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			cred := cmdb.Credential{
				ID:     stringArg(args, "id"),
				Kind:   cmdb.CredentialKind(stringArg(args, "kind")),
				Fields: fields,
			}
			if err := store.AddCredential(ctx, cred); err != nil {
				if errors.Is(err, cmdb.ErrAlreadyExists) {
					return mcp.ErrorResult(fmt.Sprintf("credential %q already exists", cred.ID)), nil
				}
				return nil, err
			}
			return mcp.TextResult(fmt.Sprintf("stored credential %s", cred.ID)), nil
		},
	}
}

func credentialsGetTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "credentials_get",
		Description: "Decrypt and return one stored credential.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"id": keyProperty("Credential identifier."),
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			cred, err := store.GetCredential(ctx, stringArg(args, "id"))
			if errors.Is(err, cmdb.ErrNotFound) {
				return mcp.ErrorResult(fmt.Sprintf("no credential with id %q", stringArg(args, "id"))), nil
			}
			if err != nil {
				return nil, err
			}
			return runtime.FormatJSON(cred), nil
		},
	}
}

func credentialsListTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "credentials_list",
		Description: "List stored credential ids and kinds. Secret fields are not returned.",
		Descriptor:  &schema.Descriptor{},
		Handler: func(ctx context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
			creds, err := store.ListCredentials(ctx)
			if err != nil {
				return nil, err
			}
			type entry struct {
				ID   string              `json:"id"`
				Kind cmdb.CredentialKind `json:"kind"`
			}
			out := make([]entry, 0, len(creds))
			for _, c := range creds {
				out = append(out, entry{ID: c.ID, Kind: c.Kind})
			}
			return runtime.FormatJSON(map[string]any{"count": len(out), "credentials": out}), nil
		},
	}
}

func credentialsDeleteTool(store *cmdb.Store) *registry.Tool {
	return &registry.Tool{
		Name:        "credentials_delete",
		Description: "Delete one stored credential.",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"id": keyProperty("Credential identifier."),
		}},
		Handler: func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			err := store.DeleteCredential(ctx, stringArg(args, "id"))
			if errors.Is(err, cmdb.ErrNotFound) {
				return mcp.ErrorResult(fmt.Sprintf("no credential with id %q", stringArg(args, "id"))), nil
			}
			if err != nil {
				return nil, err
			}
			return mcp.TextResult(fmt.Sprintf("deleted credential %s", stringArg(args, "id"))), nil
		},
	}
}

func statsResource(store *cmdb.Store) *registry.Resource {
	return &registry.Resource{
		Resource: mcp.Resource{
			URI:         StatsResourceURI,
			Name:        "Inventory statistics",
			Description: "Current CMDB contents: item counts by type, relationships, credentials.",
			MimeType:    "application/json",
		},
		Plugin: "builtin",
		Reader: func(ctx context.Context) ([]mcp.ResourceContents, error) {
			stats, err := store.Stats(ctx)
			if err != nil {
				return nil, err
			}
			data, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{{
				URI:      StatsResourceURI,
				MimeType: "application/json",
				Text:     string(data),
			}}, nil
		},
	}
}

func discoveryPlanPrompt() *registry.Prompt {
	return &registry.Prompt{
		Prompt: mcp.Prompt{
			Name:        "discovery-plan",
			Description: "Walk through discovering a network scope and recording the results in the inventory.",
			Arguments: []mcp.PromptArgument{
				{Name: "scope", Description: "Network scope to discover, e.g. \"10.0.0.0/24\".", Required: true},
			},
		},
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"scope": {Type: "string", Required: true},
		}},
		Plugin: "builtin",
		Renderer: func(_ context.Context, args map[string]any) ([]mcp.PromptMessage, error) {
			scope := stringArg(args, "scope")
			text := fmt.Sprintf(
				"Discover the infrastructure in %s step by step:\n"+
					"1. Run nmap_tcp_syn_scan on %s to find live hosts and open ports.\n"+
					"2. For each live host, run nmap_version_scan on its open ports to identify services.\n"+
					"3. Use ping and traceroute to map reachability and network paths.\n"+
					"4. Verify web endpoints with wget_http_check.\n"+
					"5. Record every host as a CI with memory_set (key \"ci:host:<address>\") and attach "+
					"services with relationship_add.\n"+
					"6. Finish with memory_stats and summarize what was found.",
				scope, scope)
			return []mcp.PromptMessage{
				{Role: "user", Content: mcp.TextContent(text)},
			}, nil
		},
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
