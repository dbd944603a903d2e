// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"github.com/infrascope/infrascope/pkg/mcp"
	"github.com/infrascope/infrascope/pkg/mcp/engine"
	"github.com/infrascope/infrascope/pkg/registry"
	"github.com/infrascope/infrascope/pkg/runtime"
	"github.com/infrascope/infrascope/pkg/session"
	"github.com/infrascope/infrascope/pkg/transport"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	reg := registry.New()
	rt := runtime.New(reg, runtime.Options{InProcessTimeout: time.Second})
	sessions := session.NewManager(time.Minute)
	t.Cleanup(sessions.Stop)
	return engine.New(reg, rt, sessions, engine.Options{ServerName: "infrascope", ServerVersion: "test"})
}

func call(t *testing.T, method string) jsonrpc2.Message {
	t.Helper()
	msg, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(1), method, nil)
	require.NoError(t, err)
	return msg
}

func TestRoutingKeyFromNotification(t *testing.T) {
	t.Parallel()

	note, err := jsonrpc2.NewNotification(mcp.MethodToolsListChanged, nil)
	require.NoError(t, err)
	data, err := jsonrpc2.EncodeMessage(note)
	require.NoError(t, err)

	assert.Equal(t, "notifications.tools.list_changed", RoutingKey(data))
}

func TestRoutingKeyMissingMethod(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", RoutingKey([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)))
	assert.Equal(t, "", RoutingKey([]byte(`not json`)))
}

func TestRequestQueueName(t *testing.T) {
	t.Parallel()

	tr := New(nil, nil, Options{QueuePrefix: "mcp.discovery"})
	assert.Equal(t, "mcp.discovery.requests", tr.requestQueue())
}

func TestResolveSessionBindsReplyQueue(t *testing.T) {
	t.Parallel()

	tr := New(newTestEngine(t), transport.NewBroadcaster(), Options{QueuePrefix: "mcp"})

	sess, created := tr.resolveSession(
		amqp091.Delivery{ReplyTo: "client-a.replies"},
		call(t, mcp.MethodInitialize))
	require.NotNil(t, sess)
	require.True(t, created)

	// Follow-ups from the initializing reply queue resolve.
	got, created := tr.resolveSession(
		amqp091.Delivery{
			ReplyTo: "client-a.replies",
			Headers: amqp091.Table{sessionHeader: sess.ID()},
		},
		call(t, mcp.MethodPing))
	require.NotNil(t, got)
	assert.Equal(t, sess.ID(), got.ID())
	assert.False(t, created)
}

func TestResolveSessionRejectsForeignReplyQueue(t *testing.T) {
	t.Parallel()

	tr := New(newTestEngine(t), transport.NewBroadcaster(), Options{QueuePrefix: "mcp"})

	sess, _ := tr.resolveSession(
		amqp091.Delivery{ReplyTo: "client-a.replies"},
		call(t, mcp.MethodInitialize))
	require.NotNil(t, sess)

	// Another consumer presenting a stolen session id from its own
	// reply queue gets nothing.
	got, created := tr.resolveSession(
		amqp091.Delivery{
			ReplyTo: "client-b.replies",
			Headers: amqp091.Table{sessionHeader: sess.ID()},
		},
		call(t, mcp.MethodPing))
	assert.Nil(t, got)
	assert.False(t, created)
}

func TestResolveSessionUnknownIDRequiresInitialize(t *testing.T) {
	t.Parallel()

	tr := New(newTestEngine(t), transport.NewBroadcaster(), Options{QueuePrefix: "mcp"})

	got, created := tr.resolveSession(
		amqp091.Delivery{
			ReplyTo: "client-a.replies",
			Headers: amqp091.Table{sessionHeader: "no-such-session"},
		},
		call(t, mcp.MethodPing))
	assert.Nil(t, got)
	assert.False(t, created)
}
