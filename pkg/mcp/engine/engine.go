// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine dispatches MCP JSON-RPC traffic to the registry, the
// tool runtime, and the session layer. Transports hand it decoded
// messages and deliver whatever it returns; the engine owns all
// protocol semantics.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/exp/jsonrpc2"
	"golang.org/x/sync/semaphore"

	"github.com/infrascope/infrascope/pkg/logger"
	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/registry"
	"github.com/infrascope/infrascope/pkg/runtime"
	"github.com/infrascope/infrascope/pkg/schema"
	"github.com/infrascope/infrascope/pkg/session"
	"github.com/infrascope/infrascope/pkg/telemetry"
)

// Notifier delivers a server-initiated notification to a session. The
// transport layer implements it; delivery to disconnected sessions goes
// through the session's replay ring.
type Notifier interface {
	Notify(s *session.Session, msg jsonrpc2.Message)
}

// broadcastNotifier is the optional fan-out side of a Notifier. When
// the installed notifier implements it, the engine emits each
// listChanged notification through it exactly once, on top of the
// per-session delivery.
type broadcastNotifier interface {
	Broadcast(msg jsonrpc2.Message)
}

// Options configures an Engine.
type Options struct {
	ServerName    string
	ServerVersion string
	Instructions  string

	// Workers bounds concurrent request handling in HandleAsync.
	// Zero means 16.
	Workers int
}

// Engine is the MCP method dispatcher.
type Engine struct {
	reg      *registry.Registry
	rt       *runtime.Runtime
	sessions *session.Manager
	opts     Options
	pool     *semaphore.Weighted

	notifier Notifier
}

// New wires an engine and subscribes it to registry changes so Ready
// sessions receive listChanged notifications.
func New(reg *registry.Registry, rt *runtime.Runtime, sessions *session.Manager, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	e := &Engine{
		reg:      reg,
		rt:       rt,
		sessions: sessions,
		opts:     opts,
		pool:     semaphore.NewWeighted(int64(opts.Workers)),
	}
	reg.OnChange(e.registryChanged)
	return e
}

// SetNotifier installs the transport-side notification sink.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Sessions returns the session manager the engine was built with.
func (e *Engine) Sessions() *session.Manager {
	return e.sessions
}

// ToolCount reports the number of registered tools, for health output.
func (e *Engine) ToolCount() int {
	return e.reg.ToolCount()
}

// Handle processes one decoded message for a session and returns the
// response, or nil for notifications. It never returns nil for a call.
func (e *Engine) Handle(ctx context.Context, sess *session.Session, msg jsonrpc2.Message) jsonrpc2.Message {
	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		// Responses from the client: nothing to route, the server
		// issues no client-bound calls.
		return nil
	}

	start := time.Now()
	resp := e.dispatch(ctx, sess, req)
	if req.IsCall() {
		failed := false
		if r, ok := resp.(*jsonrpc2.Response); ok && r.Error != nil {
			failed = true
		}
		telemetry.ObserveRequest(req.Method, start, failed)
	}
	return resp
}

// HandleAsync processes a message on the worker pool so the calling
// transport loop never blocks on a slow tool. reply receives the
// response for calls; it is not invoked for notifications.
func (e *Engine) HandleAsync(ctx context.Context, sess *session.Session, msg jsonrpc2.Message, reply func(jsonrpc2.Message)) {
	go func() {
		if err := e.pool.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.pool.Release(1)

		if resp := e.Handle(ctx, sess, msg); resp != nil && reply != nil {
			reply(resp)
		}
	}()
}

func (e *Engine) dispatch(ctx context.Context, sess *session.Session, req *jsonrpc2.Request) jsonrpc2.Message {
	if !req.IsCall() {
		e.handleNotification(sess, req)
		return nil
	}

	switch req.Method {
	case mcp.MethodInitialize:
		return e.handleInitialize(sess, req)
	case mcp.MethodPing:
		return response(req.ID, map[string]any{})
	case mcp.MethodLogout:
		return e.handleLogout(sess, req)
	case mcp.MethodToolsList:
		return e.handleToolsList(req)
	case mcp.MethodToolsCall:
		return e.handleToolsCall(ctx, sess, req)
	case mcp.MethodResourcesList:
		return e.handleResourcesList(req)
	case mcp.MethodResourcesRead:
		return e.handleResourcesRead(ctx, req)
	case mcp.MethodPromptsList:
		return e.handlePromptsList(req)
	case mcp.MethodPromptsGet:
		return e.handlePromptsGet(ctx, req)
	default:
		return errorResponse(req.ID, mcp.CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (e *Engine) handleNotification(sess *session.Session, req *jsonrpc2.Request) {
	switch req.Method {
	case mcp.MethodInitialized:
		if sess != nil && sess.MarkReady() {
			name, version := sess.ClientInfo()
			logger.Infow("session ready", "session", sess.ID(), "client", name, "clientVersion", version)
		}
	case mcp.MethodCancelled:
		e.handleCancelled(sess, req)
	default:
		// Unknown notifications are ignored per JSON-RPC.
		logger.Debugw("ignoring notification", "method", req.Method)
	}
}

func (e *Engine) handleInitialize(sess *session.Session, req *jsonrpc2.Request) jsonrpc2.Message {
	var params mcp.InitializeParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, mcp.CodeInvalidParams, err.Error())
	}

	version, ok := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	if !ok {
		// The request is well-formed but cannot start a session.
		return errorResponse(req.ID, mcp.CodeInvalidRequest,
			fmt.Sprintf("unsupported protocol version %q", params.ProtocolVersion))
	}

	if sess != nil {
		sess.Initialize(version, params.ClientInfo.Name, params.ClientInfo.Version)
	}

	return response(req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Tools:     &mcp.ListChangedCapability{ListChanged: true},
			Resources: &mcp.ListChangedCapability{ListChanged: true},
			Prompts:   &mcp.ListChangedCapability{ListChanged: true},
			Logging:   map[string]any{},
		},
		ServerInfo: mcp.Implementation{
			Name:    e.opts.ServerName,
			Version: e.opts.ServerVersion,
		},
		Instructions: e.opts.Instructions,
	})
}

func (e *Engine) handleLogout(sess *session.Session, req *jsonrpc2.Request) jsonrpc2.Message {
	if sess != nil {
		e.sessions.Delete(sess.ID())
	}
	return response(req.ID, map[string]any{})
}

func (e *Engine) handleToolsList(req *jsonrpc2.Request) jsonrpc2.Message {
	tools := e.reg.ListTools("")
	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema.Sanitize(t.Descriptor.JSONSchema()),
		})
	}
	return response(req.ID, mcp.ListToolsResult{Tools: out})
}

func (e *Engine) handleToolsCall(ctx context.Context, sess *session.Session, req *jsonrpc2.Request) jsonrpc2.Message {
	var params mcp.CallToolParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, mcp.CodeInvalidParams, err.Error())
	}
	if params.Name == "" {
		return errorResponse(req.ID, mcp.CodeInvalidParams, "tool name is required")
	}

	callCtx := ctx
	if sess != nil {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithCancel(ctx)
		key := idKey(req.ID.Raw())
		sess.TrackRequest(key, cancel)
		defer func() {
			sess.FinishRequest(key)
			cancel()
		}()
	}

	result := e.rt.Invoke(callCtx, params.Name, params.Arguments)
	telemetry.ObserveToolCall(params.Name, result.IsError)
	return response(req.ID, result)
}

func (e *Engine) handleResourcesList(req *jsonrpc2.Request) jsonrpc2.Message {
	resources := e.reg.ListResources()
	out := make([]mcp.Resource, 0, len(resources))
	for _, r := range resources {
		out = append(out, r.Resource)
	}
	return response(req.ID, mcp.ListResourcesResult{Resources: out})
}

func (e *Engine) handleResourcesRead(ctx context.Context, req *jsonrpc2.Request) jsonrpc2.Message {
	var params mcp.ReadResourceParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, mcp.CodeInvalidParams, err.Error())
	}

	res, err := e.reg.LookupResource(params.URI)
	if err != nil {
		return errorResponse(req.ID, mcp.CodeInvalidParams, fmt.Sprintf("unknown resource %q", params.URI))
	}

	contents, err := res.Reader(ctx)
	if err != nil {
		return errorResponse(req.ID, mcp.CodeInternalError, fmt.Sprintf("reading resource: %v", err))
	}
	return response(req.ID, mcp.ReadResourceResult{Contents: contents})
}

func (e *Engine) handlePromptsList(req *jsonrpc2.Request) jsonrpc2.Message {
	prompts := e.reg.ListPrompts()
	out := make([]mcp.Prompt, 0, len(prompts))
	for _, p := range prompts {
		out = append(out, p.Prompt)
	}
	return response(req.ID, mcp.ListPromptsResult{Prompts: out})
}

func (e *Engine) handlePromptsGet(ctx context.Context, req *jsonrpc2.Request) jsonrpc2.Message {
	var params mcp.GetPromptParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, mcp.CodeInvalidParams, err.Error())
	}

	p, err := e.reg.LookupPrompt(params.Name)
	if err != nil {
		return errorResponse(req.ID, mcp.CodeInvalidParams, fmt.Sprintf("unknown prompt %q", params.Name))
	}

	args, err := p.Validate(params.Arguments)
	if err != nil {
		return errorResponse(req.ID, mcp.CodeInvalidParams, err.Error())
	}

	messages, err := p.Renderer(ctx, args)
	if err != nil {
		return errorResponse(req.ID, mcp.CodeInternalError, fmt.Sprintf("rendering prompt: %v", err))
	}
	return response(req.ID, mcp.GetPromptResult{
		Description: p.Prompt.Description,
		Messages:    messages,
	})
}

func (e *Engine) handleCancelled(sess *session.Session, req *jsonrpc2.Request) {
	if sess == nil {
		return
	}
	var params mcp.CancelledParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		logger.Debugw("malformed cancellation", "error", err)
		return
	}
	key := idKey(params.RequestID)
	if sess.CancelRequest(key) {
		logger.Debugw("request cancelled by client", "session", sess.ID(), "request", key, "reason", params.Reason)
	}
}

// registryChanged fans a listChanged notification out to every Ready
// session via the replay ring and the live notifier.
func (e *Engine) registryChanged(kind registry.Kind) {
	telemetry.SetRegisteredTools(e.reg.ToolCount())

	var method string
	switch kind {
	case registry.KindTool:
		method = mcp.MethodToolsListChanged
	case registry.KindResource:
		method = mcp.MethodResourcesListChanged
	case registry.KindPrompt:
		method = mcp.MethodPromptsListChanged
	default:
		return
	}

	note, err := jsonrpc2.NewNotification(method, nil)
	if err != nil {
		logger.Errorw("building listChanged notification", "error", err)
		return
	}

	e.sessions.Each(func(s *session.Session) {
		if s.State() != session.StateReady {
			return
		}
		s.AppendEvent(note)
		if e.notifier != nil {
			e.notifier.Notify(s, note)
		}
	})

	// Fan-out transports publish one message per change, not one per
	// session.
	if bn, ok := e.notifier.(broadcastNotifier); ok {
		bn.Broadcast(note)
	}
}

// idKey normalizes a JSON-RPC id to a map key. JSON numbers arrive as
// float64 on the cancellation path and int64 from the codec.
func idKey(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func response(id jsonrpc2.ID, result any) jsonrpc2.Message {
	resp, err := jsonrpc2.NewResponse(id, result, nil)
	if err != nil {
		resp, _ = jsonrpc2.NewResponse(id, nil, jsonrpc2.NewError(mcp.CodeInternalError, err.Error()))
	}
	return resp
}

func errorResponse(id jsonrpc2.ID, code int64, message string) jsonrpc2.Message {
	resp, _ := jsonrpc2.NewResponse(id, nil, jsonrpc2.NewError(code, message))
	return resp
}
