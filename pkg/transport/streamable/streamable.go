// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package streamable serves MCP over the streamable HTTP transport:
// POST /mcp for requests, GET /mcp for the SSE notification stream, and
// DELETE /mcp to end a session.
package streamable

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/jsonrpc2"

	"github.com/infrascope/infrascope/pkg/logger"
	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/mcp/engine"
	"github.com/infrascope/infrascope/pkg/session"
	"github.com/infrascope/infrascope/pkg/telemetry"
	"github.com/infrascope/infrascope/pkg/transport"
)

const (
	// Endpoint is the single MCP endpoint path.
	Endpoint = "/mcp"

	// SessionHeader carries the opaque session id.
	SessionHeader = "Mcp-Session-Id"

	// maxBodyBytes bounds a POST body.
	maxBodyBytes = 10 * 1024 * 1024

	keepAliveInterval = 30 * time.Second
)

// Options configures the HTTP transport.
type Options struct {
	Host string
	Port int

	// AllowedOrigins are Origin values accepted in addition to
	// localhost. Requests with a disallowed Origin get 403.
	AllowedOrigins []string

	// SSERetry is sent as the SSE retry hint.
	SSERetry time.Duration

	// PluginFailures, when set, is polled by the health endpoint. A
	// non-zero count degrades the reported status.
	PluginFailures func() int
}

// Transport is the streamable HTTP adapter.
type Transport struct {
	eng  *engine.Engine
	bc   *transport.Broadcaster
	opts Options

	server *http.Server
}

// New returns an HTTP transport; Start binds the listener.
func New(eng *engine.Engine, bc *transport.Broadcaster, opts Options) *Transport {
	return &Transport{eng: eng, bc: bc, opts: opts}
}

// Mode implements transport.Transport.
func (t *Transport) Mode() string { return "http" }

// Router builds the chi router with the MCP endpoint, health, and
// metrics routes.
func (t *Transport) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(t.originCheck)

	r.Options(Endpoint, t.handleOptions)
	r.Post(Endpoint, t.handlePost)
	r.Get(Endpoint, t.handleGet)
	r.Delete(Endpoint, t.handleDelete)

	r.Get("/health", t.handleHealth)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	return r
}

// Start begins serving in a background goroutine.
func (t *Transport) Start(_ context.Context) error {
	t.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port),
		Handler:           t.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infow("streamable HTTP transport started",
			"addr", t.server.Addr, "endpoint", Endpoint)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Shutdown drains the HTTP server.
func (t *Transport) Shutdown(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

// originCheck rejects cross-origin browser traffic. Requests without an
// Origin header (curl, SDK clients) pass through.
func (t *Transport) originCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !t.originAllowed(origin) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *Transport) originAllowed(origin string) bool {
	for _, allowed := range t.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	for _, local := range []string{"http://localhost", "https://localhost", "http://127.0.0.1", "https://127.0.0.1"} {
		if origin == local || strings.HasPrefix(origin, local+":") {
			return true
		}
	}
	return false
}

func (t *Transport) handleOptions(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	if origin := r.Header.Get("Origin"); origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, "+SessionHeader+", Last-Event-ID")
	w.WriteHeader(http.StatusNoContent)
}

// handlePost accepts one JSON-RPC message per request. Notifications
// get 202 with no body; calls get the JSON response. An initialize
// request without a session header creates the session and returns its
// id in the response header.
func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if isBatch(body) {
		t.writeError(w, http.StatusBadRequest, mcp.CodeInvalidRequest, "batch requests are not supported")
		return
	}

	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		t.writeError(w, http.StatusBadRequest, mcp.CodeParseError, fmt.Sprintf("parse error: %v", err))
		return
	}

	sess, created, ok := t.resolveSession(w, r, msg)
	if !ok {
		return
	}

	req, isRequest := msg.(*jsonrpc2.Request)
	if isRequest && !req.IsCall() {
		// Notifications are handled asynchronously; nothing to return.
		t.eng.HandleAsync(context.WithoutCancel(r.Context()), sess, msg, nil)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := t.eng.Handle(r.Context(), sess, msg)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	data, err := jsonrpc2.EncodeMessage(resp)
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	if created {
		w.Header().Set(SessionHeader, sess.ID())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// resolveSession maps the request to its session. initialize without a
// header creates one; everything else requires a known id.
func (t *Transport) resolveSession(w http.ResponseWriter, r *http.Request, msg jsonrpc2.Message) (*session.Session, bool, bool) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		if req, ok := msg.(*jsonrpc2.Request); ok && req.Method == mcp.MethodInitialize {
			sess := t.eng.Sessions().Create()
			telemetry.SetActiveSessions(t.eng.Sessions().Count())
			return sess, true, true
		}
		// No session id and not an initialize: indistinguishable from an
		// expired session, so answer the same way.
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil, false, false
	}

	sess, ok := t.eng.Sessions().Get(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil, false, false
	}
	return sess, false, true
}

// handleGet serves the SSE notification stream for a session, replaying
// retained events after Last-Event-ID on reconnect.
func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := t.eng.Sessions().Get(r.Header.Get(SessionHeader))
	if !ok {
		// Missing, expired, and deleted sessions cannot resume; the
		// client must re-initialize.
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if t.opts.SSERetry > 0 {
		fmt.Fprintf(w, "retry: %d\n\n", t.opts.SSERetry.Milliseconds())
	}

	var cursor uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			cursor = v
		}
	}
	for _, ev := range sess.EventsAfter(cursor) {
		if err := writeEvent(w, ev.ID, ev.Message); err != nil {
			return
		}
		cursor = ev.ID
	}
	flusher.Flush()

	// Live delivery reads from the session ring rather than carrying
	// messages through the sink: event ids are assigned under the ring
	// lock, so draining past the cursor preserves the id sequence even
	// when several notifications land at once. The sink only wakes the
	// loop.
	wake := make(chan struct{}, 1)
	detach := t.bc.Attach(sess.ID(), func(jsonrpc2.Message) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer detach()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-wake:
			for _, ev := range sess.EventsAfter(cursor) {
				if err := writeEvent(w, ev.ID, ev.Message); err != nil {
					return
				}
				cursor = ev.ID
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleDelete terminates a session.
func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if _, ok := t.eng.Sessions().Get(id); !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	t.eng.Sessions().Delete(id)
	telemetry.SetActiveSessions(t.eng.Sessions().Count())
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports liveness plus basic registry and session counts.
// Plugin load failures degrade the status without failing the probe.
func (t *Transport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	failures := 0
	if t.opts.PluginFailures != nil {
		if failures = t.opts.PluginFailures(); failures > 0 {
			status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":%q,"tools":%d,"sessions":%d,"plugin_failures":%d}`,
		status, t.eng.ToolCount(), t.eng.Sessions().Count(), failures)
}

func (t *Transport) writeError(w http.ResponseWriter, status int, code int64, message string) {
	resp := &jsonrpc2.Response{Error: jsonrpc2.NewError(code, message)}
	data, err := jsonrpc2.EncodeMessage(resp)
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// isBatch reports whether the body is a JSON array. Batching was
// removed from the protocol and is rejected outright.
func isBatch(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

func writeEvent(w io.Writer, id uint64, msg jsonrpc2.Message) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", id, data)
	return err
}
