// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package status implements the Status Manager (C1): the single source of
// truth for daemon state, written atomically to a client-facing status file.
package status

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/metrics"
	"github.com/google/renameio/v2"
)

// Record is the JSON shape of the client-facing status file.
type Record struct {
	State              string    `json:"state"`
	Message            string    `json:"message"`
	UpdatedAt          time.Time `json:"updated_at"`
	OperationInProgress bool     `json:"operation_in_progress"`
	ClientCount        int       `json:"client_count"`
}

// Manager serializes status writes and exposes the operation_in_progress
// flag the main loop consults before honoring shutdown requests.
type Manager struct {
	mu   sync.Mutex
	path string
	rec  Record
}

// New creates a Manager that writes to path. Exactly one record is
// authoritative at any instant; callers don't need external coordination.
func New(path string) *Manager {
	return &Manager{
		path: path,
		rec:  Record{State: "starting", UpdatedAt: time.Now()},
	}
}

// UpdateStatus sets state/message and persists the record. "Last writer
// wins": no ordering guarantees are made beyond that.
func (m *Manager) UpdateStatus(state, message string) error {
	m.mu.Lock()
	m.rec.State = state
	m.rec.Message = message
	m.rec.UpdatedAt = time.Now()
	rec := m.rec
	m.mu.Unlock()

	return writeAtomic(m.path, rec)
}

// SetClientCount updates the client-count field surfaced in the status
// snapshot, called by the daemon server after CONNECT, DISCONNECT and a
// closed connection. The main loop's dead-client sweep does not call it.
func (m *Manager) SetClientCount(n int) error {
	m.mu.Lock()
	m.rec.ClientCount = n
	m.rec.UpdatedAt = time.Now()
	rec := m.rec
	m.mu.Unlock()

	return writeAtomic(m.path, rec)
}

// SetOperationInProgress flips the flag that the main loop's shutdown-signal
// handling and self-eviction predicate both consult.
func (m *Manager) SetOperationInProgress(inProgress bool) error {
	m.mu.Lock()
	m.rec.OperationInProgress = inProgress
	m.rec.UpdatedAt = time.Now()
	rec := m.rec
	m.mu.Unlock()

	if inProgress {
		metrics.OperationInProgress.Set(1)
	} else {
		metrics.OperationInProgress.Set(0)
	}
	return writeAtomic(m.path, rec)
}

// GetOperationInProgress reports the current flag value.
func (m *Manager) GetOperationInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.OperationInProgress
}

// Snapshot returns a copy of the current record, served by the debug HTTP
// surface's /status endpoint.
func (m *Manager) Snapshot() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec
}

func writeAtomic(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending status file: %w", err)
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			log.L().Debug().Err(cerr).Msg("cleanup pending status file")
		}
	}()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write status record: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace status file: %w", err)
	}
	return nil
}
