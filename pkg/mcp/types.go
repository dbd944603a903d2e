// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp defines the Model Context Protocol wire types shared by the
// protocol engine, the tool runtime, and the transports.
package mcp

import (
	"context"
	"encoding/json"
)

// JSONRPCVersion is the JSON-RPC version used by MCP.
const JSONRPCVersion = "2.0"

// SupportedProtocolVersions lists the protocol revisions this server
// speaks, newest first.
var SupportedProtocolVersions = []string{
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
}

// LatestProtocolVersion is the newest protocol revision the server speaks.
const LatestProtocolVersion = "2025-06-18"

// Standard JSON-RPC error codes plus the server-defined range used for
// session, timeout, and auth failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// JSON-RPC method names handled by the engine.
const (
	MethodInitialize           = "initialize"
	MethodInitialized          = "notifications/initialized"
	MethodToolsList            = "tools/list"
	MethodToolsCall            = "tools/call"
	MethodResourcesList        = "resources/list"
	MethodResourcesRead        = "resources/read"
	MethodPromptsList          = "prompts/list"
	MethodPromptsGet           = "prompts/get"
	MethodPing                 = "ping"
	MethodLogout               = "logout"
	MethodCancelled            = "notifications/cancelled"
	MethodProgress             = "notifications/progress"
	MethodToolsListChanged     = "notifications/tools/list_changed"
	MethodResourcesListChanged = "notifications/resources/list_changed"
	MethodPromptsListChanged   = "notifications/prompts/list_changed"
	MethodLogMessage           = "notifications/message"
)

// Implementation identifies a client or server endpoint.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListChangedCapability advertises listChanged notification support.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities is advertised in the initialize result.
type ServerCapabilities struct {
	Tools     *ListChangedCapability `json:"tools,omitempty"`
	Resources *ListChangedCapability `json:"resources,omitempty"`
	Prompts   *ListChangedCapability `json:"prompts,omitempty"`
	Logging   map[string]any         `json:"logging,omitempty"`
}

// InitializeParams is the client's initialize request payload.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Tool is the client-visible description of a registered tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ListToolsParams carries the optional pagination cursor.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is the tools/list reply.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams is the tools/call request payload.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentItem is one element of a CallToolResult content array. Type is
// "text" or "resource".
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallToolResult is the uniform result envelope for tools/call. Tool
// failures are reported through IsError, never as JSON-RPC errors.
type CallToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError"`
}

// TextContent builds a text content item.
func TextContent(text string) ContentItem {
	return ContentItem{Type: "text", Text: text}
}

// ResourceContent builds a resource pointer content item.
func ResourceContent(uri, mimeType string) ContentItem {
	return ContentItem{Type: "resource", URI: uri, MimeType: mimeType}
}

// TextResult builds a successful single-text result.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentItem{TextContent(text)}}
}

// ErrorResult builds a failed single-text result.
func ErrorResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentItem{TextContent(text)}, IsError: true}
}

// Resource describes a readable resource exposed by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one entry in a resources/read reply.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceParams is the resources/read request payload.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the resources/read reply.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListResourcesResult is the resources/list reply.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// PromptArgument describes one argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt describes a prompt template exposed by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptMessage is one message in a prompts/get reply.
type PromptMessage struct {
	Role    string      `json:"role"`
	Content ContentItem `json:"content"`
}

// GetPromptParams is the prompts/get request payload.
type GetPromptParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// GetPromptResult is the prompts/get reply.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// ListPromptsResult is the prompts/list reply.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// CancelledParams is the notifications/cancelled payload.
type CancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// ProgressParams is the notifications/progress payload.
type ProgressParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// ToolHandler executes a tool call with validated arguments.
type ToolHandler func(ctx context.Context, args map[string]any) (*CallToolResult, error)

// ResourceReader produces the contents of one resource.
type ResourceReader func(ctx context.Context) ([]ResourceContents, error)

// PromptRenderer produces the messages of one prompt with validated
// arguments.
type PromptRenderer func(ctx context.Context, args map[string]any) ([]PromptMessage, error)

// NegotiateProtocolVersion picks the version to use for a session: the
// client's requested version when supported, otherwise the server's
// latest. The second return is false when the requested version is
// unusable and no fallback applies (empty string).
func NegotiateProtocolVersion(requested string) (string, bool) {
	if requested == "" {
		return "", false
	}
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v, true
		}
	}
	// Unknown but well-formed versions negotiate down to our latest.
	return LatestProtocolVersion, true
}
