// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks MCP client sessions with TTL-based expiry.
package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/jsonrpc2"
)

// State is a session's lifecycle phase.
type State int

const (
	// StateInit means initialize succeeded but the client has not yet
	// sent notifications/initialized. Only ping and initialize-related
	// traffic is valid.
	StateInit State = iota
	// StateReady means the handshake completed; all methods are valid
	// and the session receives listChanged notifications.
	StateReady
	// StateClosed means the session ended (logout, DELETE, or expiry).
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one server-to-client message retained for SSE replay. IDs
// are monotonic per session, starting at 1.
type Event struct {
	ID      uint64
	Message jsonrpc2.Message
}

// eventRingSize bounds the per-session replay buffer. Clients that
// reconnect after falling further behind than this miss the overwritten
// events.
const eventRingSize = 256

// Session is one MCP client connection's server-side state.
type Session struct {
	id      string
	created time.Time

	mu              sync.Mutex
	updated         time.Time
	state           State
	protocolVersion string
	clientName      string
	clientVersion   string

	// pending maps in-flight request IDs to their cancel funcs, so
	// notifications/cancelled can abort them.
	pending map[string]context.CancelFunc

	// events is a ring of the last eventRingSize outbound messages,
	// for Last-Event-ID replay on SSE reconnect.
	events  []Event
	nextID  uint64
	dropped uint64
}

// New returns a session in StateInit.
func New(id string) *Session {
	now := time.Now()
	return &Session{
		id:      id,
		created: now,
		updated: now,
		state:   StateInit,
		pending: map[string]context.CancelFunc{},
		nextID:  1,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.created }

// UpdatedAt returns the last activity time.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updated
}

// Touch marks the session active now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.updated = time.Now()
	s.mu.Unlock()
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize records the negotiated protocol version and client info.
func (s *Session) Initialize(protocolVersion, clientName, clientVersion string) {
	s.mu.Lock()
	s.protocolVersion = protocolVersion
	s.clientName = clientName
	s.clientVersion = clientVersion
	s.updated = time.Now()
	s.mu.Unlock()
}

// MarkReady transitions Init -> Ready. Returns false if the session is
// not in Init.
func (s *Session) MarkReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInit {
		return false
	}
	s.state = StateReady
	s.updated = time.Now()
	return true
}

// Close transitions to Closed and cancels every in-flight request.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	cancels := make([]context.CancelFunc, 0, len(s.pending))
	for _, cancel := range s.pending {
		cancels = append(cancels, cancel)
	}
	s.pending = map[string]context.CancelFunc{}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// ProtocolVersion returns the negotiated version, or "" before
// initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientInfo returns the client name and version from initialize.
func (s *Session) ClientInfo() (name, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientName, s.clientVersion
}

// TrackRequest registers an in-flight request's cancel func under its
// JSON-RPC id, so a later notifications/cancelled can abort it.
func (s *Session) TrackRequest(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.pending[id] = cancel
	s.updated = time.Now()
	s.mu.Unlock()
}

// FinishRequest drops the tracking entry for a completed request.
func (s *Session) FinishRequest(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// CancelRequest cancels an in-flight request. Unknown ids are ignored,
// since the request may already have finished.
func (s *Session) CancelRequest(id string) bool {
	s.mu.Lock()
	cancel, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// PendingCount returns the number of in-flight requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// AppendEvent stores an outbound message in the replay ring and returns
// its event id.
func (s *Session) AppendEvent(msg jsonrpc2.Message) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.events = append(s.events, Event{ID: id, Message: msg})
	if len(s.events) > eventRingSize {
		over := len(s.events) - eventRingSize
		s.events = append(s.events[:0:0], s.events[over:]...)
		s.dropped += uint64(over)
	}
	return id
}

// EventsAfter returns retained events with id greater than after, in
// order. after == 0 returns everything still in the ring.
func (s *Session) EventsAfter(after uint64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if ev.ID > after {
			out = append(out, ev)
		}
	}
	return out
}

// LastEventID returns the id of the newest retained event, 0 if none.
func (s *Session) LastEventID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID - 1
}
