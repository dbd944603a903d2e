// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the transport contract and the notification
// broadcaster shared by the stdio, streamable HTTP, and AMQP adapters.
package transport

import (
	"context"
	"sync"

	"golang.org/x/exp/jsonrpc2"

	"github.com/infrascope/infrascope/pkg/session"
)

// Transport is one client-facing adapter. Start is non-blocking: it
// spawns whatever goroutines the adapter needs and returns. Shutdown
// stops accepting traffic and drains within the context deadline.
type Transport interface {
	Mode() string
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Broadcaster routes server-initiated notifications to the transport
// currently serving each session. Transports attach a sink while a
// client is reachable and detach when it disconnects; the engine keeps
// appending to the session's replay ring either way.
type Broadcaster struct {
	mu     sync.RWMutex
	sinks  map[string]func(jsonrpc2.Message)
	fanout map[uint64]func(jsonrpc2.Message)
	nextID uint64
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		sinks:  map[string]func(jsonrpc2.Message){},
		fanout: map[uint64]func(jsonrpc2.Message){},
	}
}

// Attach installs the live delivery sink for a session and returns the
// detach func. A second Attach for the same session replaces the first.
func (b *Broadcaster) Attach(sessionID string, sink func(jsonrpc2.Message)) func() {
	b.mu.Lock()
	b.sinks[sessionID] = sink
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.sinks, sessionID)
		b.mu.Unlock()
	}
}

// Notify implements engine.Notifier. Sessions with no live sink drop
// the message here; it stays in the replay ring for reconnect.
func (b *Broadcaster) Notify(s *session.Session, msg jsonrpc2.Message) {
	b.mu.RLock()
	sink, ok := b.sinks[s.ID()]
	b.mu.RUnlock()

	if ok {
		sink(msg)
	}
}

// AttachBroadcast installs a sink that receives each server-wide
// notification exactly once, independent of how many sessions exist.
// Fan-out transports such as AMQP use this instead of per-session
// sinks. Returns the detach func.
func (b *Broadcaster) AttachBroadcast(sink func(jsonrpc2.Message)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.fanout[id] = sink
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.fanout, id)
		b.mu.Unlock()
	}
}

// Broadcast delivers one server-wide notification to every broadcast
// sink, once each.
func (b *Broadcaster) Broadcast(msg jsonrpc2.Message) {
	b.mu.RLock()
	sinks := make([]func(jsonrpc2.Message), 0, len(b.fanout))
	for _, sink := range b.fanout {
		sinks = append(sinks, sink)
	}
	b.mu.RUnlock()

	for _, sink := range sinks {
		sink(msg)
	}
}

// Attached reports whether a session has a live sink.
func (b *Broadcaster) Attached(sessionID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sinks[sessionID]
	return ok
}
