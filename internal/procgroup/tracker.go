// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package procgroup

import (
	"sync"
	"time"
)

// Tracker associates spawned child process groups with the client that
// requested them, so the main loop's orphan sweep (spec.md §4.8, every 5s)
// can reap a build/flash child process whose owning client died mid-job
// without waiting for the process to misbehave on its own.
type Tracker struct {
	mu      sync.Mutex
	byOwner map[string]map[int]time.Time // client_id -> pid -> tracked-since
}

// NewTracker creates an empty process tracker.
func NewTracker() *Tracker {
	return &Tracker{byOwner: make(map[string]map[int]time.Time)}
}

// Track records that pid (a process-group leader started with
// procgroup.Set) was spawned on behalf of clientID.
func (t *Tracker) Track(clientID string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byOwner[clientID] == nil {
		t.byOwner[clientID] = make(map[int]time.Time)
	}
	t.byOwner[clientID][pid] = time.Now()
}

// Untrack removes pid from clientID's tracked set, called once the process
// exits normally so the sweep never sees it again.
func (t *Tracker) Untrack(clientID string, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.byOwner[clientID]; ok {
		delete(set, pid)
		if len(set) == 0 {
			delete(t.byOwner, clientID)
		}
	}
}

// SweepOrphans kills every tracked process group whose owning client is not
// in aliveClientIDs, and forgets them regardless of whether the kill
// succeeded (a process that has already exited is not an orphan to retry).
// Returns the pids it attempted to kill.
func (t *Tracker) SweepOrphans(aliveClientIDs map[string]struct{}, grace, timeout time.Duration) []int {
	t.mu.Lock()
	var orphanOwners []string
	for owner := range t.byOwner {
		if _, alive := aliveClientIDs[owner]; !alive {
			orphanOwners = append(orphanOwners, owner)
		}
	}
	var pids []int
	for _, owner := range orphanOwners {
		for pid := range t.byOwner[owner] {
			pids = append(pids, pid)
		}
		delete(t.byOwner, owner)
	}
	t.mu.Unlock()

	for _, pid := range pids {
		_ = KillGroup(pid, grace, timeout)
	}
	return pids
}

// Count returns how many processes are currently tracked, for introspection.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, set := range t.byOwner {
		n += len(set)
	}
	return n
}
