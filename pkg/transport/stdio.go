// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/exp/jsonrpc2"

	"github.com/infrascope/infrascope/pkg/logger"
	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/mcp/engine"
	"github.com/infrascope/infrascope/pkg/session"
)

// maxLineBytes bounds a single stdio frame. Oversized lines produce a
// parse error response rather than a dead scanner.
const maxLineBytes = 10 * 1024 * 1024

// StdioTransport serves MCP over newline-delimited JSON on a reader and
// writer pair, normally stdin/stdout. Logs must go to stderr; stdout
// carries only protocol frames.
type StdioTransport struct {
	eng  *engine.Engine
	bc   *Broadcaster
	in   io.Reader
	out  io.Writer
	sess *session.Session

	writeMu sync.Mutex
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewStdio returns a stdio transport reading from in and writing to out.
func NewStdio(eng *engine.Engine, bc *Broadcaster, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		eng:  eng,
		bc:   bc,
		in:   in,
		out:  out,
		done: make(chan struct{}),
	}
}

// Mode implements Transport.
func (t *StdioTransport) Mode() string { return "stdio" }

// Session returns the transport's implicit session.
func (t *StdioTransport) Session() *session.Session { return t.sess }

// Start creates the implicit session and begins the read loop.
func (t *StdioTransport) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	// stdio has exactly one client, so one session for the lifetime of
	// the process.
	t.sess = t.eng.Sessions().Create()
	detach := t.bc.Attach(t.sess.ID(), func(msg jsonrpc2.Message) {
		if err := t.write(msg); err != nil {
			logger.Errorw("writing stdio notification", "error", err)
		}
	})

	go func() {
		defer close(t.done)
		defer detach()
		t.readLoop(ctx)
		// EOF on stdin means the client is gone; the implicit session
		// goes with it, cancelling any in-flight calls.
		t.eng.Sessions().Delete(t.sess.ID())
	}()

	logger.Infow("stdio transport started", "session", t.sess.ID())
	return nil
}

// Shutdown stops the read loop and waits for it to exit.
func (t *StdioTransport) Shutdown(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *StdioTransport) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := jsonrpc2.DecodeMessage(line)
		if err != nil {
			t.writeParseError(err)
			continue
		}

		t.eng.HandleAsync(ctx, t.sess, msg, func(resp jsonrpc2.Message) {
			if err := t.write(resp); err != nil {
				logger.Errorw("writing stdio response", "error", err)
			}
		})
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Errorw("stdio read loop ended", "error", err)
	}
}

// write serializes one frame; concurrent responses from the worker pool
// must not interleave on the pipe.
func (t *StdioTransport) write(msg jsonrpc2.Message) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (t *StdioTransport) writeParseError(cause error) {
	// No usable request id on a parse failure; the id field stays null.
	resp := &jsonrpc2.Response{
		Error: jsonrpc2.NewError(mcp.CodeParseError, fmt.Sprintf("parse error: %v", cause)),
	}
	if err := t.write(resp); err != nil {
		logger.Errorw("writing parse error", "error", err)
	}
}
