// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package locks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testKey() Key {
	return Key{Project: "proj1", Environment: "env1", Port: "/dev/ttyUSB0"}
}

func TestExclusiveLockContentionNonBlocking(t *testing.T) {
	m := New()
	key := testKey()

	require.True(t, m.AcquireExclusive(key, "A", "build", 60*time.Second))

	// B's attempt has no time to wait: contended immediately with a ~0
	// timeout must return false fast, matching spec.md §8's <100ms bound.
	start := time.Now()
	ok := m.AcquireExclusive(key, "B", "build", 0)
	require.False(t, ok)
	require.Less(t, time.Since(start), 100*time.Millisecond)

	status := m.GetLockStatus(key)
	require.Equal(t, LockedExclusive, status.State)
	require.Equal(t, 1, status.HolderCount)

	require.True(t, m.Release(key, "A"))
	require.True(t, m.AcquireExclusive(key, "B", "build", time.Second))
}

func TestSharedReadersCoexist(t *testing.T) {
	m := New()
	key := testKey()

	require.True(t, m.AcquireSharedRead(key, "A", "read"))
	require.True(t, m.AcquireSharedRead(key, "B", "read"))

	status := m.GetLockStatus(key)
	require.Equal(t, LockedSharedRead, status.State)
	require.Equal(t, 2, status.HolderCount)

	require.False(t, m.AcquireExclusive(key, "C", "build", 0))
}

func TestExclusiveExcludesSharedRead(t *testing.T) {
	m := New()
	key := testKey()
	require.True(t, m.AcquireExclusive(key, "A", "build", time.Second))
	require.False(t, m.AcquireSharedRead(key, "B", "read"))
}

func TestReleaseByNonHolderReturnsFalse(t *testing.T) {
	m := New()
	key := testKey()
	require.True(t, m.AcquireExclusive(key, "A", "build", time.Second))
	require.False(t, m.Release(key, "B"))
	require.True(t, m.Release(key, "A"))
}

func TestReleaseAllClientLocksCascades(t *testing.T) {
	m := New()
	k1 := Key{Project: "p1", Environment: "env", Port: "/dev/ttyUSB0"}
	k2 := Key{Project: "p2", Environment: "env", Port: "/dev/ttyUSB1"}

	require.True(t, m.AcquireExclusive(k1, "A", "build", time.Second))
	require.True(t, m.AcquireSharedRead(k2, "A", "read"))

	n := m.ReleaseAllClientLocks("A")
	require.Equal(t, 2, n)
	require.False(t, m.GetLockStatus(k1).IsHeld)
	require.False(t, m.GetLockStatus(k2).IsHeld)
}

func TestBlockingAcquireWakesOnRelease(t *testing.T) {
	m := New()
	key := testKey()
	require.True(t, m.AcquireExclusive(key, "A", "build", time.Second))

	var wg sync.WaitGroup
	var acquired bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		acquired = m.AcquireExclusive(key, "B", "build", 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, m.Release(key, "A"))
	wg.Wait()
	require.True(t, acquired)
}

func TestIsHeldEqualTimestampsMeansNotHeld(t *testing.T) {
	e := newEntry()
	now := time.Now()
	e.acquiredAt = now
	e.lastReleasedAt = now
	require.False(t, e.isHeld())
}

func TestForceReleaseNeverHeldIsNoopFalse(t *testing.T) {
	m := New()
	key := testKey()
	require.NotPanics(t, func() {
		n := m.ForceReleaseStaleLocks(time.Hour)
		require.Equal(t, 0, n)
	})
	require.False(t, m.GetLockStatus(key).IsHeld)
}

func TestStaleLockJanitor(t *testing.T) {
	m := New()
	key := testKey()
	require.True(t, m.AcquireExclusive(key, "A", "build", time.Second))

	e := m.entryFor(key)
	e.mu.Lock()
	e.acquiredAt = time.Now().Add(-10 * time.Second)
	e.mu.Unlock()

	stale := m.GetStaleLocks()
	require.Len(t, stale, 1)

	n := m.ForceReleaseStaleLocks(time.Hour)
	require.Equal(t, 1, n)

	// A's subsequent explicit release must return false without panicking.
	require.NotPanics(t, func() {
		require.False(t, m.Release(key, "A"))
	})
}

func TestForceReleaseByNonOwnerIsSafe(t *testing.T) {
	m := New()
	key := testKey()
	require.True(t, m.AcquireExclusive(key, "A", "build", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	require.NotPanics(t, func() {
		n := m.ForceReleaseStaleLocks(time.Hour)
		require.Equal(t, 1, n)
	})
}

func TestCleanupDoesNotRemoveHeldLockRegardlessOfAge(t *testing.T) {
	m := New()
	key := testKey()
	require.True(t, m.AcquireExclusive(key, "A", "build", time.Hour))

	e := m.entryFor(key)
	e.mu.Lock()
	e.lastReleasedAt = time.Now().Add(-24 * time.Hour)
	e.mu.Unlock()

	removed := m.CleanupUnusedEntries(time.Second)
	require.Equal(t, 0, removed)
	require.True(t, m.GetLockStatus(key).IsHeld)
}

func TestCleanupNegativeOlderThanRemovesNothing(t *testing.T) {
	m := New()
	key := testKey()
	require.True(t, m.AcquireExclusive(key, "A", "build", time.Second))
	require.True(t, m.Release(key, "A"))

	require.NotPanics(t, func() {
		removed := m.CleanupUnusedEntries(-1)
		require.Equal(t, 0, removed)
	})
}

func TestUnicodeAndEmptyKeysWorkLikeASCII(t *testing.T) {
	m := New()
	key := Key{Project: "プロジェクト", Environment: "", Port: "café"}

	require.True(t, m.AcquireExclusive(key, "A", "build", time.Second))
	require.False(t, m.AcquireExclusive(key, "B", "build", 0))
	require.True(t, m.Release(key, "A"))
}

func TestZeroTimeoutLockIsImmediatelyStale(t *testing.T) {
	m := New()
	key := testKey()
	require.True(t, m.AcquireExclusive(key, "A", "build", 0))
	status := m.GetLockStatus(key)
	require.True(t, status.IsStale)
}
