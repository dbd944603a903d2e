// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/mcp/engine"
	"github.com/infrascope/infrascope/pkg/registry"
	"github.com/infrascope/infrascope/pkg/runtime"
	"github.com/infrascope/infrascope/pkg/session"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	reg := registry.New()
	rt := runtime.New(reg, runtime.Options{InProcessTimeout: 2 * time.Second})
	sessions := session.NewManager(time.Minute)
	t.Cleanup(sessions.Stop)
	return engine.New(reg, rt, sessions, engine.Options{ServerName: "infrascope", ServerVersion: "test"})
}

func TestBroadcasterRoutesToAttachedSink(t *testing.T) {
	t.Parallel()

	bc := NewBroadcaster()
	sess := session.New("s1")

	var mu sync.Mutex
	var got []jsonrpc2.Message
	detach := bc.Attach("s1", func(msg jsonrpc2.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	note, err := jsonrpc2.NewNotification("notifications/tools/list_changed", nil)
	require.NoError(t, err)

	bc.Notify(sess, note)
	assert.True(t, bc.Attached("s1"))

	detach()
	bc.Notify(sess, note)
	assert.False(t, bc.Attached("s1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1, "detached sessions receive nothing")
}

func TestBroadcasterFanOutDeliversOnce(t *testing.T) {
	t.Parallel()

	bc := NewBroadcaster()

	var mu sync.Mutex
	count := 0
	detach := bc.AttachBroadcast(func(jsonrpc2.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	// Per-session sinks never see broadcasts.
	bc.Attach("s1", func(jsonrpc2.Message) {
		t.Error("session sink received a broadcast")
	})

	note, err := jsonrpc2.NewNotification("notifications/tools/list_changed", nil)
	require.NoError(t, err)

	bc.Broadcast(note)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()

	detach()
	bc.Broadcast(note)
	mu.Lock()
	assert.Equal(t, 1, count, "detached broadcast sinks receive nothing")
	mu.Unlock()
}

// syncBuffer is a goroutine-safe writer for capturing stdio output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lines [][]byte
	for _, l := range bytes.Split(b.buf.Bytes(), []byte("\n")) {
		if len(l) > 0 {
			lines = append(lines, append([]byte(nil), l...))
		}
	}
	return lines
}

func waitForLines(t *testing.T, out *syncBuffer, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if lines := out.Lines(); len(lines) >= n {
			return lines
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d output lines, got %d", n, len(out.Lines()))
	return nil
}

func TestStdioRoundTrip(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	in, inWriter := io.Pipe()
	out := &syncBuffer{}

	tr := NewStdio(eng, NewBroadcaster(), in, out)
	require.NoError(t, tr.Start(context.Background()))

	req, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), mcp.MethodPing, nil)
	require.NoError(t, err)
	data, err := jsonrpc2.EncodeMessage(req)
	require.NoError(t, err)

	_, err = inWriter.Write(append(data, '\n'))
	require.NoError(t, err)

	lines := waitForLines(t, out, 1)
	var decoded struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(lines[0], &decoded))
	assert.EqualValues(t, 1, decoded.ID)
	assert.JSONEq(t, "{}", string(decoded.Result))

	require.NoError(t, inWriter.Close())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, tr.Shutdown(ctx))
}

func TestStdioParseErrorResponse(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	in, inWriter := io.Pipe()
	out := &syncBuffer{}

	tr := NewStdio(eng, NewBroadcaster(), in, out)
	require.NoError(t, tr.Start(context.Background()))

	_, err := inWriter.Write([]byte("{not json\n"))
	require.NoError(t, err)

	lines := waitForLines(t, out, 1)
	assert.Contains(t, string(lines[0]), `-32700`)

	require.NoError(t, inWriter.Close())
}

func TestStdioNotificationsReachClient(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	bc := NewBroadcaster()
	in, inWriter := io.Pipe()
	defer inWriter.Close()
	out := &syncBuffer{}

	tr := NewStdio(eng, bc, in, out)
	require.NoError(t, tr.Start(context.Background()))

	note, err := jsonrpc2.NewNotification(mcp.MethodToolsListChanged, nil)
	require.NoError(t, err)
	bc.Notify(tr.Session(), note)

	lines := waitForLines(t, out, 1)
	assert.Contains(t, string(lines[0]), mcp.MethodToolsListChanged)
}
