// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package cascade

import (
	"context"
	"testing"
	"time"

	"github.com/fbuildd/fbuildd/internal/bus"
	"github.com/fbuildd/fbuildd/internal/cache"
	"github.com/fbuildd/fbuildd/internal/devices"
	"github.com/fbuildd/fbuildd/internal/locks"
	"github.com/fbuildd/fbuildd/internal/serial"
	"github.com/stretchr/testify/require"
)

type nullEnumerator struct{}

func (nullEnumerator) Enumerate(ctx context.Context) ([]devices.Info, error) { return nil, nil }

type nullNotifier struct{}

func (nullNotifier) Notify(ctx context.Context, clientID string, notice devices.PreemptionNotice) error {
	return nil
}

func newTestDeps(t *testing.T) (Deps, *locks.Manager, *devices.Manager, *serial.Manager) {
	t.Helper()
	b := bus.NewMemoryBus()
	lockMgr := locks.New()
	deviceMgr := devices.New(nullEnumerator{}, cache.NewMemoryCache(0), b, nullNotifier{}, time.Minute)
	serialMgr := serial.New(serial.FilePortIO{}, b, 100)
	return Deps{Locks: lockMgr, Devices: deviceMgr, Serial: serialMgr, Bus: b}, lockMgr, deviceMgr, serialMgr
}

func TestCleanupReleasesLocksAndPublishesEvent(t *testing.T) {
	deps, lockMgr, _, _ := newTestDeps(t)

	key := locks.Key{Project: "/proj", Environment: "dev", Port: "/dev/ttyUSB0"}
	require.True(t, lockMgr.AcquireExclusive(key, "client-1", "build", time.Minute))

	sub, err := deps.Bus.Subscribe(context.Background(), bus.TopicLocks)
	require.NoError(t, err)
	defer sub.Close()

	Cleanup(context.Background(), deps, "client-1", "graceful")

	status := lockMgr.GetLockStatus(key)
	require.Equal(t, locks.Unlocked, status.State)

	select {
	case ev := <-sub.C():
		require.Equal(t, "locks_released", ev.Type)
		require.Equal(t, "client-1", ev.FilterKey)
	case <-time.After(time.Second):
		t.Fatal("expected a locks_released broadcast event")
	}
}

func TestCleanupIsNoOpWhenClientHoldsNothing(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	Cleanup(context.Background(), deps, "ghost-client", "dead_sweep")
}
