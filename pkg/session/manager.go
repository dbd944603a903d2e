// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infrascope/infrascope/pkg/logger"
)

// Manager holds sessions with TTL cleanup.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	// onExpire, if set, runs for every session the cleanup pass
	// removes, after the session is closed.
	onExpire func(*Session)
}

// NewManager creates a session manager with the given TTL and starts
// the cleanup worker.
func NewManager(ttl time.Duration) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
	go m.cleanupRoutine()
	return m
}

// OnExpire registers a callback for sessions removed by TTL expiry.
func (m *Manager) OnExpire(fn func(*Session)) {
	m.mu.Lock()
	m.onExpire = fn
	m.mu.Unlock()
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

// Create adds a new session with a fresh opaque id.
func (m *Manager) Create() *Session {
	s := New(uuid.NewString())
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	return s
}

// AddWithID creates a session with the provided id. Returns an error if
// the id is empty or already exists.
func (m *Manager) AddWithID(id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("session ID %q already exists", id)
	}

	s := New(id)
	m.sessions[id] = s
	return s, nil
}

// Get retrieves a session by id and refreshes its activity timestamp.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	s.Touch()
	return s, true
}

// Delete closes and removes a session by id.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Close()
	}
}

// CleanupExpired removes sessions idle past the TTL.
func (m *Manager) CleanupExpired() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.UpdatedAt().Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	onExpire := m.onExpire
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
		logger.Debugw("session expired", "session", s.ID(), "idle", time.Since(s.UpdatedAt()))
		if onExpire != nil {
			onExpire(s)
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Each calls fn for every live session.
func (m *Manager) Each(fn func(*Session)) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		fn(s)
	}
}

// Stop stops the cleanup worker.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
