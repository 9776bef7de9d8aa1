// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package locks implements the Configuration Lock Manager (C3): exclusive
// or shared-read locks keyed by (project_dir, environment, port), with
// stale-lock detection and a janitor-driven force-release path.
package locks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/metrics"
	"golang.org/x/text/unicode/norm"
)

// State is the lock's current occupancy.
type State string

const (
	Unlocked           State = "unlocked"
	LockedExclusive    State = "locked_exclusive"
	LockedSharedRead   State = "locked_shared_read"
)

// ErrNotHeld describes a release by a caller that does not hold the lock.
// Release itself reports that case by returning false, not this error.
var ErrNotHeld = errors.New("lock not held by caller")

// Key is the triple (project_dir, environment, port) that uniquely
// identifies one build/flash target. Fields are NFC-normalized before use
// so Unicode identifiers compare and hash identically regardless of the
// client's original encoding (spec.md §8: "Unicode resource identifiers
// work identically to ASCII identifiers").
type Key struct {
	Project     string
	Environment string
	Port        string
}

func normalizeKey(k Key) Key {
	return Key{
		Project:     norm.NFC.String(k.Project),
		Environment: norm.NFC.String(k.Environment),
		Port:        norm.NFC.String(k.Port),
	}
}

// Status is the externally observable snapshot returned by GetLockStatus.
type Status struct {
	Key             Key
	State           State
	HolderCount     int
	WaitingCount    int
	AcquiredAt      time.Time
	LastReleasedAt  time.Time
	AcquisitionCount int
	Description     string
	Timeout         time.Duration
	IsHeld          bool
	IsStale         bool
}

// entry is one (project, env, port) lock's bookkeeping. Guarded by mu; cond
// is used by the blocking acquire_exclusive path to wait for a release
// without busy-polling.
type entry struct {
	mu   sync.Mutex
	cond *sync.Cond

	state State

	exclusiveHolder string
	sharedHolders   map[string]struct{}

	acquiredAt       time.Time
	lastReleasedAt   time.Time
	timeout          time.Duration
	description      string
	acquisitionCount int
	waiting          int
}

func newEntry() *entry {
	e := &entry{sharedHolders: make(map[string]struct{})}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// isHeld implements spec.md's canonical predicate: acquired_at is set AND
// (last_released_at is unset OR acquired_at > last_released_at). Equal
// timestamps mean NOT held (released simultaneously).
func (e *entry) isHeld() bool {
	if e.acquiredAt.IsZero() {
		return false
	}
	if e.lastReleasedAt.IsZero() {
		return true
	}
	return e.acquiredAt.After(e.lastReleasedAt)
}

func (e *entry) isStale(now time.Time) bool {
	return e.isHeld() && now.Sub(e.acquiredAt) > e.timeout
}

// Manager owns every ConfigurationLock entry, keyed by its normalized
// triple. Callers take the manager lock only to look up or create an entry,
// then operate on the entry directly. The one exception is
// CleanupUnusedEntries, which locks each entry while holding the manager
// lock (always manager first, then entry).
type Manager struct {
	mu      sync.Mutex
	entries map[Key]*entry

	clock func() time.Time
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		entries: make(map[Key]*entry),
		clock:   time.Now,
	}
}

func (m *Manager) entryFor(key Key) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = newEntry()
		m.entries[key] = e
	}
	return e
}

// AcquireExclusive blocks up to timeout trying to become the sole holder of
// key. Returns false (never an error) if the timeout elapses with the lock
// still contended — spec.md §7 treats contention as an expected outcome,
// not an exception.
func (m *Manager) AcquireExclusive(key Key, clientID, description string, timeout time.Duration) bool {
	key = normalizeKey(key)
	e := m.entryFor(key)

	deadline := m.clock().Add(timeout)
	logger := log.WithComponent("locks")

	e.mu.Lock()
	defer e.mu.Unlock()

	for e.isHeld() {
		remaining := deadline.Sub(m.clock())
		if remaining <= 0 {
			return false
		}
		e.waiting++
		waitOnCond(e.cond, remaining)
		e.waiting--
	}

	e.state = LockedExclusive
	e.exclusiveHolder = clientID
	e.sharedHolders = make(map[string]struct{})
	e.acquiredAt = m.clock()
	e.timeout = timeout
	e.description = description
	e.acquisitionCount++

	metrics.LocksHeld.WithLabelValues(string(LockedExclusive)).Inc()
	logger.Info().
		Str(log.FieldLockKey, keyString(key)).
		Str(log.FieldClientID, clientID).
		Str("event", "lock.acquired").
		Msg("exclusive lock acquired")
	return true
}

// AcquireSharedRead succeeds immediately if no exclusive holder exists; any
// number of shared readers may coexist.
func (m *Manager) AcquireSharedRead(key Key, clientID, description string) bool {
	key = normalizeKey(key)
	e := m.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == LockedExclusive && e.isHeld() {
		return false
	}

	if !e.isHeld() {
		e.acquiredAt = m.clock()
		e.description = description
	}
	e.state = LockedSharedRead
	e.sharedHolders[clientID] = struct{}{}
	e.acquisitionCount++

	metrics.LocksHeld.WithLabelValues(string(LockedSharedRead)).Inc()
	log.WithComponent("locks").Info().
		Str(log.FieldLockKey, keyString(key)).
		Str(log.FieldClientID, clientID).
		Str("event", "lock.acquired").
		Msg("shared-read lock acquired")
	return true
}

// Release releases whichever form of lock clientID holds on key. Returns
// false — never panics — if the caller is not a current holder.
func (m *Manager) Release(key Key, clientID string) bool {
	key = normalizeKey(key)
	e := m.entryFor(key)

	e.mu.Lock()
	released := e.releaseLocked(clientID, m.clock())
	e.cond.Broadcast()
	e.mu.Unlock()

	if released {
		log.WithComponent("locks").Info().
			Str(log.FieldLockKey, keyString(key)).
			Str(log.FieldClientID, clientID).
			Str("event", "lock.released").
			Msg("lock released")
	}
	return released
}

// releaseLocked performs the actual state transition under e.mu. Used by
// both the explicit Release RPC and the janitor's force-release path, which
// skips the holder-identity check entirely (the Go mutex has no concept of
// an owning goroutine to violate, so cross-owner force-release needs no
// special error-swallowing path — see DESIGN.md).
func (e *entry) releaseLocked(clientID string, now time.Time) bool {
	switch e.state {
	case LockedExclusive:
		if e.exclusiveHolder != clientID {
			return false
		}
		e.exclusiveHolder = ""
		e.state = Unlocked
		e.lastReleasedAt = now
		metrics.LocksHeld.WithLabelValues(string(LockedExclusive)).Dec()
		return true
	case LockedSharedRead:
		if _, ok := e.sharedHolders[clientID]; !ok {
			return false
		}
		delete(e.sharedHolders, clientID)
		metrics.LocksHeld.WithLabelValues(string(LockedSharedRead)).Dec()
		if len(e.sharedHolders) == 0 {
			e.state = Unlocked
			e.lastReleasedAt = now
		}
		return true
	default:
		return false
	}
}

// forceRelease clears whatever is held on key regardless of who holds it. A
// no-op returning false if the lock is not currently held — it must never
// panic on an unheld lock (spec.md §4.3).
func (e *entry) forceRelease(now time.Time) bool {
	if !e.isHeld() {
		return false
	}
	wasState := e.state
	e.exclusiveHolder = ""
	e.sharedHolders = make(map[string]struct{})
	e.state = Unlocked
	e.lastReleasedAt = now
	if wasState != Unlocked {
		metrics.LocksHeld.WithLabelValues(string(wasState)).Dec()
	}
	return true
}

// ReleaseAllClientLocks is the cascade-cleanup entry point invoked when a
// client dies: it releases every lock, exclusive or shared, that clientID
// holds and returns how many were released.
func (m *Manager) ReleaseAllClientLocks(clientID string) int {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	keys := make([]Key, 0, len(m.entries))
	for k, e := range m.entries {
		entries = append(entries, e)
		keys = append(keys, k)
	}
	m.mu.Unlock()

	count := 0
	now := m.clock()
	for i, e := range entries {
		e.mu.Lock()
		if e.releaseLocked(clientID, now) {
			count++
			e.cond.Broadcast()
			log.WithComponent("locks").Info().
				Str(log.FieldLockKey, keyString(keys[i])).
				Str(log.FieldClientID, clientID).
				Str("event", "lock.released").
				Msg("lock released on client cleanup")
		}
		e.mu.Unlock()
	}
	return count
}

// GetLockStatus returns a point-in-time snapshot of key's lock state.
func (m *Manager) GetLockStatus(key Key) Status {
	key = normalizeKey(key)
	e := m.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(key, m.clock())
}

func (e *entry) snapshotLocked(key Key, now time.Time) Status {
	holderCount := 0
	switch e.state {
	case LockedExclusive:
		if e.exclusiveHolder != "" {
			holderCount = 1
		}
	case LockedSharedRead:
		holderCount = len(e.sharedHolders)
	}
	return Status{
		Key:              key,
		State:            e.state,
		HolderCount:      holderCount,
		WaitingCount:      e.waiting,
		AcquiredAt:       e.acquiredAt,
		LastReleasedAt:   e.lastReleasedAt,
		AcquisitionCount: e.acquisitionCount,
		Description:      e.description,
		Timeout:          e.timeout,
		IsHeld:           e.isHeld(),
		IsStale:          e.isStale(now),
	}
}

// GetStaleLocks returns a snapshot of every currently stale lock: held
// longer than its own timeout. Staleness does not by itself release the
// lock (spec.md §4.3) — that's ForceReleaseStaleLocks's job.
func (m *Manager) GetStaleLocks() []Status {
	m.mu.Lock()
	entries := make(map[Key]*entry, len(m.entries))
	for k, e := range m.entries {
		entries[k] = e
	}
	m.mu.Unlock()

	now := m.clock()
	var stale []Status
	for k, e := range entries {
		e.mu.Lock()
		if e.isStale(now) {
			stale = append(stale, e.snapshotLocked(k, now))
		}
		e.mu.Unlock()
	}
	return stale
}

// ForceReleaseStaleLocks is the janitor's sweep: it force-releases every
// lock whose age exceeds its own timeout, or — as a global backstop — the
// configured janitor stale floor (see DESIGN.md's Open Question decision),
// and returns how many locks were cleared.
func (m *Manager) ForceReleaseStaleLocks(staleFloor time.Duration) int {
	m.mu.Lock()
	entries := make(map[Key]*entry, len(m.entries))
	for k, e := range m.entries {
		entries[k] = e
	}
	m.mu.Unlock()

	now := m.clock()
	count := 0
	for k, e := range entries {
		e.mu.Lock()
		age := now.Sub(e.acquiredAt)
		shouldForce := e.isStale(now) || (e.isHeld() && staleFloor > 0 && age > staleFloor)
		if shouldForce {
			wasState := e.state
			if e.forceRelease(now) {
				count++
				e.cond.Broadcast()
				metrics.LocksStaleReleased.Inc()
				log.WithComponent("locks").Warn().
					Str(log.FieldLockKey, keyString(k)).
					Str("event", "lock.stale_released").
					Str("prior_state", string(wasState)).
					Dur("age", age).
					Msg("force-released stale lock")
			}
		}
		e.mu.Unlock()
	}
	return count
}

// CleanupUnusedEntries garbage-collects entries that have never been held,
// or were released longer ago than olderThan. A currently-held lock is
// never removed, even if its last-release timestamp predates olderThan
// (spec.md §8's "cleanup must not remove a currently-held lock" boundary
// case) — and a NaN-like non-comparable olderThan (expressed in Go as a
// negative duration) removes nothing, matching the spec's "negative or NaN
// older_than values do not crash; no entries are removed" requirement.
func (m *Manager) CleanupUnusedEntries(olderThan time.Duration) int {
	if olderThan < 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	removed := 0
	for k, e := range m.entries {
		e.mu.Lock()
		held := e.isHeld()
		neverHeld := e.acquiredAt.IsZero()
		stale := !held && !e.lastReleasedAt.IsZero() && now.Sub(e.lastReleasedAt) > olderThan
		shouldRemove := !held && (neverHeld || stale)
		e.mu.Unlock()

		if shouldRemove {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

func keyString(k Key) string {
	return fmt.Sprintf("%s|%s|%s", k.Project, k.Environment, k.Port)
}

// waitOnCond waits on cond for up to timeout, returning when either the
// condition is signaled or the timeout elapses. sync.Cond has no built-in
// deadline, so a timer goroutine broadcasts once to unblock this waiter
// specifically if nothing else does first.
func waitOnCond(cond *sync.Cond, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
