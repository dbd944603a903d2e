// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package runtime executes tool calls inside a uniform envelope:
// argument validation, deadline enforcement, output size guarding, and
// CallToolResult formatting. Subprocess-backed tools additionally run
// under a bounded worker pool with signal-based cancellation.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gort "runtime"
	"runtime/debug"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/infrascope/infrascope/pkg/logger"
	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/registry"
	"github.com/infrascope/infrascope/pkg/schema"
)

const (
	// MaxOutputBytes caps each output stream of a tool call.
	MaxOutputBytes = 1 << 20

	// TruncationMarker is appended to output that hit the cap.
	TruncationMarker = "\n... [output truncated at 1 MiB]"
)

// Options configures a Runtime.
type Options struct {
	// SubprocessTimeout is the default deadline for subprocess-backed
	// tools. Zero means config.DefaultSubprocessTimeout semantics are
	// decided by the caller; the Runtime falls back to 300s.
	SubprocessTimeout time.Duration

	// InProcessTimeout is the default deadline for in-process tools.
	InProcessTimeout time.Duration

	// Workers bounds concurrent subprocess executions. Zero means
	// 2 x GOMAXPROCS.
	Workers int
}

// Runtime invokes registered tools.
type Runtime struct {
	reg               *registry.Registry
	pool              *semaphore.Weighted
	subprocessTimeout time.Duration
	inProcessTimeout  time.Duration
}

// New creates a Runtime over a registry.
func New(reg *registry.Registry, opts Options) *Runtime {
	if opts.SubprocessTimeout <= 0 {
		opts.SubprocessTimeout = 300 * time.Second
	}
	if opts.InProcessTimeout <= 0 {
		opts.InProcessTimeout = 30 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = gort.GOMAXPROCS(0) * 2
	}
	return &Runtime{
		reg:               reg,
		pool:              semaphore.NewWeighted(int64(opts.Workers)),
		subprocessTimeout: opts.SubprocessTimeout,
		inProcessTimeout:  opts.InProcessTimeout,
	}
}

// Invoke runs a tool call end to end. It always returns a well-formed
// CallToolResult: validation failures, timeouts, cancellations, and
// handler panics all surface as IsError results, never as errors.
func (r *Runtime) Invoke(ctx context.Context, name string, args map[string]any) *mcp.CallToolResult {
	tool, err := r.reg.LookupTool(name)
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("Unknown tool: %s", name))
	}

	validated, err := tool.Validate(args)
	if err != nil {
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			return mcp.ErrorResult(fmt.Sprintf("Parameter validation failed for %s: %s", name, ve.Error()))
		}
		return mcp.ErrorResult(fmt.Sprintf("Parameter validation failed for %s: %v", name, err))
	}

	timeout := r.timeoutFor(tool)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if tool.Subprocess {
		// The bounded pool prevents a burst of scan requests from
		// fork-bombing the host.
		if err := r.pool.Acquire(ctx, 1); err != nil {
			return r.deadlineResult(ctx, name, timeout)
		}
		defer r.pool.Release(1)
	}

	result, err := r.callHandler(ctx, tool, validated)
	if err != nil {
		if ctx.Err() != nil {
			return r.deadlineResult(ctx, name, timeout)
		}
		return mcp.ErrorResult(fmt.Sprintf("Tool %s failed: %v", name, err))
	}
	if result == nil {
		result = mcp.ErrorResult(fmt.Sprintf("Tool %s returned no result", name))
	}
	return capResult(result)
}

// callHandler isolates handler panics so no tool can crash the process.
func (r *Runtime) callHandler(
	ctx context.Context, tool *registry.Tool, args map[string]any,
) (result *mcp.CallToolResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorw("tool handler panicked",
				"tool", tool.Name, "panic", rec, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return tool.Handler(ctx, args)
}

func (r *Runtime) timeoutFor(tool *registry.Tool) time.Duration {
	if tool.Timeout > 0 {
		return tool.Timeout
	}
	if tool.Subprocess {
		return r.subprocessTimeout
	}
	return r.inProcessTimeout
}

func (r *Runtime) deadlineResult(ctx context.Context, name string, timeout time.Duration) *mcp.CallToolResult {
	if errors.Is(ctx.Err(), context.Canceled) {
		return mcp.ErrorResult(fmt.Sprintf("Tool %s cancelled (exit code -1)", name))
	}
	return mcp.ErrorResult(fmt.Sprintf("Tool %s timed out after %s (exit code -1)", name, timeout))
}

// capResult enforces the output cap on every content item.
func capResult(result *mcp.CallToolResult) *mcp.CallToolResult {
	for i := range result.Content {
		item := &result.Content[i]
		if len(item.Text) > MaxOutputBytes {
			item.Text = item.Text[:MaxOutputBytes] + TruncationMarker
			result.IsError = true
		}
	}
	if len(result.Content) == 0 {
		result.Content = []mcp.ContentItem{mcp.TextContent("")}
	}
	return result
}

// FormatJSON renders a payload as an indented JSON text result, the
// uniform success shape for object-valued tools.
func FormatJSON(payload any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("Failed to encode result: %v", err))
	}
	return mcp.TextResult(string(data))
}
