// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package devices

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fbuildd/fbuildd/internal/bus"
	"github.com/fbuildd/fbuildd/internal/cache"
	"github.com/stretchr/testify/require"
)

type fakeEnumerator struct {
	mu    sync.Mutex
	calls int
	infos []Info
}

func (f *fakeEnumerator) Enumerate(ctx context.Context) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.infos, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices map[string]PreemptionNotice
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notices: make(map[string]PreemptionNotice)}
}

func (f *fakeNotifier) Notify(ctx context.Context, clientID string, notice PreemptionNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices[clientID] = notice
	return nil
}

func newTestManager(t *testing.T, infos []Info) (*Manager, *fakeEnumerator, *fakeNotifier) {
	t.Helper()
	enum := &fakeEnumerator{infos: infos}
	notifier := newFakeNotifier()
	m := New(enum, cache.NewMemoryCache(0), bus.NewMemoryBus(), notifier, time.Minute)
	_, err := m.RefreshDevices(context.Background())
	require.NoError(t, err)
	return m, enum, notifier
}

func TestRefreshDevicesPopulatesInventory(t *testing.T) {
	m, _, _ := newTestManager(t, []Info{{DeviceID: "usb-001", Port: "/dev/ttyUSB0"}})
	snaps := m.ListDevices()
	require.Len(t, snaps, 1)
	require.Equal(t, "usb-001", snaps[0].DeviceID)
	require.True(t, snaps[0].Connected)
}

func TestRefreshDevicesWithinTTLDoesNotReEnumerate(t *testing.T) {
	m, enum, _ := newTestManager(t, []Info{{DeviceID: "usb-001", Port: "/dev/ttyUSB0"}})
	require.Equal(t, 1, enum.calls)

	_, err := m.RefreshDevices(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, enum.calls)
}

func TestAcquireExclusiveThenSecondExclusiveFails(t *testing.T) {
	m, _, _ := newTestManager(t, []Info{{DeviceID: "usb-001"}})

	l1 := m.AcquireExclusive("usb-001", "A", "build", false)
	require.NotNil(t, l1)

	l2 := m.AcquireExclusive("usb-001", "B", "build", false)
	require.Nil(t, l2)
}

func TestAcquireExclusiveDisallowingMonitorsFailsWhileMonitorsAttached(t *testing.T) {
	m, _, _ := newTestManager(t, []Info{{DeviceID: "usb-001"}})

	require.NotNil(t, m.AcquireMonitor("usb-001", "B", "watch"))

	l := m.AcquireExclusive("usb-001", "A", "build", false)
	require.Nil(t, l)

	// Existing monitor is untouched, and the invariant (exclusive with
	// allowsMonitors=false -> empty monitor set) never transiently breaks.
	require.NotNil(t, m.AcquireExclusive("usb-001", "A", "build", true))
}

func TestMonitorDeniedWhenExclusiveDisallows(t *testing.T) {
	m, _, _ := newTestManager(t, []Info{{DeviceID: "usb-001"}})
	require.NotNil(t, m.AcquireExclusive("usb-001", "A", "build", false))
	require.Nil(t, m.AcquireMonitor("usb-001", "B", "watch"))
}

func TestMonitorAllowedWhenExclusivePermits(t *testing.T) {
	m, _, _ := newTestManager(t, []Info{{DeviceID: "usb-001"}})
	require.NotNil(t, m.AcquireExclusive("usb-001", "A", "build", true))
	require.NotNil(t, m.AcquireMonitor("usb-001", "B", "watch"))
	require.NotNil(t, m.AcquireMonitor("usb-001", "C", "watch"))
}

func TestReleaseLeaseRequiresOwnership(t *testing.T) {
	m, _, _ := newTestManager(t, []Info{{DeviceID: "usb-001"}})
	l := m.AcquireExclusive("usb-001", "A", "build", false)
	require.False(t, m.ReleaseLease(l.LeaseID, "B"))
	require.True(t, m.ReleaseLease(l.LeaseID, "A"))
	require.NotNil(t, m.AcquireExclusive("usb-001", "B", "build", false))
}

func TestReleaseAllClientLeasesCascades(t *testing.T) {
	m, _, _ := newTestManager(t, []Info{{DeviceID: "usb-001"}})
	require.NotNil(t, m.AcquireExclusive("usb-001", "A", "build", true))
	require.NotNil(t, m.AcquireMonitor("usb-001", "A", "watch"))

	n := m.ReleaseAllClientLeases("A")
	require.Equal(t, 2, n)
	require.NotNil(t, m.AcquireExclusive("usb-001", "B", "build", false))
}

func TestPreemptDeviceRequiresNonEmptyReason(t *testing.T) {
	m, _, _ := newTestManager(t, []Info{{DeviceID: "usb-001"}})
	require.NotNil(t, m.AcquireExclusive("usb-001", "A", "build", true))

	_, _, err := m.PreemptDevice(context.Background(), "usb-001", "C", "")
	require.ErrorIs(t, err, ErrReasonRequired)
}

func TestPreemptDeviceNotifiesAndTransfers(t *testing.T) {
	m, _, notifier := newTestManager(t, []Info{{DeviceID: "usb-001"}})
	orig := m.AcquireExclusive("usb-001", "A", "build", true)
	require.NotNil(t, orig)

	newLease, preempted, err := m.PreemptDevice(context.Background(), "usb-001", "C", "CI takeover")
	require.NoError(t, err)
	require.Equal(t, "A", preempted)
	require.Equal(t, "C", newLease.ClientID)
	require.Equal(t, Exclusive, newLease.Type)

	notifier.mu.Lock()
	notice, ok := notifier.notices["A"]
	notifier.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, "CI takeover", notice.Reason)
	require.Equal(t, "C", notice.PreemptedBy)

	snaps := m.ListDevices()
	require.Len(t, snaps, 1)
	require.Equal(t, "C", snaps[0].ExclusiveLease.ClientID)
}

func TestPreemptUnknownDeviceErrors(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	_, _, err := m.PreemptDevice(context.Background(), "nope", "C", "reason")
	require.Error(t, err)
}

func TestDisconnectedDeviceStillReportedAfterRescan(t *testing.T) {
	enum := &fakeEnumerator{infos: []Info{{DeviceID: "usb-001"}}}
	m := New(enum, cache.NewMemoryCache(0), bus.NewMemoryBus(), newFakeNotifier(), time.Nanosecond)
	_, err := m.RefreshDevices(context.Background())
	require.NoError(t, err)

	enum.infos = nil
	time.Sleep(2 * time.Millisecond)
	snaps, err := m.RefreshDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.False(t, snaps[0].Connected)
}
