// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package clients implements the Client Registry (C2): the authoritative
// record of every connected client, its liveness, and the heartbeat sweep
// that declares clients dead so C3/C4/C5 can cascade-clean their resources.
package clients

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/metrics"
)

// Metadata carries the client-supplied identification sent with CONNECT.
type Metadata struct {
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

// Session is one connected client's bookkeeping record. C3/C4/C5 key their
// own per-client resource sets by ClientID rather than holding a pointer to
// this struct, so a Session's lifetime is owned solely by the Registry.
type Session struct {
	ClientID      string
	PeerAddr      string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Meta          Metadata
}

// isAlive reports liveness per spec: now - last_heartbeat <= timeout.
func (s *Session) isAlive(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastHeartbeat) <= timeout
}

// Registry tracks every connected client. The zero value is not usable;
// construct with New.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration

	// clock and pidAlive are overridden in tests so liveness decisions
	// don't depend on wall-clock sleeps or real process existence.
	clock    func() time.Time
	pidAlive func(pid int) bool
}

// New creates a Registry that declares a client dead once its heartbeat is
// older than timeout (spec default 4s) or its PID no longer exists.
func New(timeout time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		clock:    time.Now,
		pidAlive: defaultPIDAlive,
	}
}

// Register creates a new session. Re-registering an existing client_id
// replaces its prior session (reconnect after a stale entry).
func (r *Registry) Register(clientID, peerAddr string, meta Metadata) *Session {
	now := r.clock()
	sess := &Session{
		ClientID:      clientID,
		PeerAddr:      peerAddr,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Meta:          meta,
	}

	r.mu.Lock()
	r.sessions[clientID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.ClientsConnected.Set(float64(count))
	log.WithComponent("clients").Info().
		Str(log.FieldClientID, clientID).
		Str("peer_addr", peerAddr).
		Int("pid", meta.PID).
		Msg("client registered")
	return sess
}

// Heartbeat refreshes a client's liveness timestamp. Returns false if the
// client isn't registered (caller should treat this as a reconnect signal).
func (r *Registry) Heartbeat(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[clientID]
	if !ok {
		return false
	}
	sess.LastHeartbeat = r.clock()
	return true
}

// Unregister removes a client's own registry entry. It does not cascade
// into C3/C4/C5 — callers (the server's DISCONNECT handler, or the dead
// client sweep) are responsible for forwarding cleanup.
func (r *Registry) Unregister(clientID string) bool {
	r.mu.Lock()
	_, existed := r.sessions[clientID]
	delete(r.sessions, clientID)
	count := len(r.sessions)
	r.mu.Unlock()

	if existed {
		metrics.ClientsConnected.Set(float64(count))
		log.WithComponent("clients").Info().Str(log.FieldClientID, clientID).Msg("client unregistered")
	}
	return existed
}

// GetClientCount returns the number of currently registered clients.
func (r *Registry) GetClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ListClients returns a snapshot of every registered session.
func (r *Registry) ListClients() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

// CleanupDeadClients evaluates liveness for every session and removes the
// ones that fail it: heartbeat older than timeout, or PID no longer alive.
// Returns the removed client ids so the caller can forward cascade cleanup
// to the lock, device, and serial managers.
func (r *Registry) CleanupDeadClients() []string {
	now := r.clock()

	r.mu.Lock()
	var dead []string
	for id, sess := range r.sessions {
		if sess.isAlive(now, r.timeout) && r.pidStillAlive(sess.Meta.PID) {
			continue
		}
		dead = append(dead, id)
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if len(dead) > 0 {
		metrics.ClientsConnected.Set(float64(count))
		log.WithComponent("clients").Warn().
			Strs("client_ids", dead).
			Msg("declared clients dead on sweep")
	}
	return dead
}

func (r *Registry) pidStillAlive(pid int) bool {
	if pid <= 0 {
		// No PID was supplied by the client; liveness rests on heartbeat alone.
		return true
	}
	return r.pidAlive(pid)
}

func defaultPIDAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
