// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package devices implements the Device Lease Manager (C4): enumeration of
// physical serial devices and exclusive/monitor lease arbitration over
// them, including preemption.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fbuildd/fbuildd/internal/bus"
	"github.com/fbuildd/fbuildd/internal/cache"
	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

// LeaseType distinguishes full control from read-only observation.
type LeaseType string

const (
	Exclusive LeaseType = "exclusive"
	Monitor   LeaseType = "monitor"
)

// ErrReasonRequired is returned by PreemptDevice when called with an empty
// reason — spec.md §4.4 requires preemption to always carry one.
var ErrReasonRequired = errors.New("reason is required and must not be empty")

// Descriptor is the human-readable vendor/product pair carried purely for
// introspection responses (DEVICE_LIST/DEVICE_STATUS); identity is always
// the stable hash, never this string pair (recovered feature, see
// SPEC_FULL.md "Device capability flags").
type Descriptor struct {
	Vendor  string
	Product string
}

// Info is what the external Enumerator collaborator reports about one
// physical device on a scan.
type Info struct {
	DeviceID   string
	Port       string
	Descriptor Descriptor
}

// Enumerator is the pluggable collaborator that actually probes the USB bus
// or platform device tree; out of scope per spec.md §1.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Info, error)
}

// Lease is one grant of exclusive or monitor access to a device.
type Lease struct {
	LeaseID        string
	ClientID       string
	DeviceID       string
	Type           LeaseType
	Description    string
	AllowsMonitors bool
	AcquiredAt     time.Time
}

// Record is one device's current inventory + lease state.
type Record struct {
	DeviceID   string
	Port       string
	Descriptor Descriptor
	Connected  bool

	exclusive *Lease
	monitors  map[string]*Lease // leaseID -> lease
}

// Snapshot is the externally-observable, copy-safe view of a Record.
type Snapshot struct {
	DeviceID       string
	Port           string
	Descriptor     Descriptor
	Connected      bool
	ExclusiveLease *Lease
	MonitorLeases  []Lease
}

func (r *Record) snapshot() Snapshot {
	s := Snapshot{
		DeviceID:   r.DeviceID,
		Port:       r.Port,
		Descriptor: r.Descriptor,
		Connected:  r.Connected,
	}
	if r.exclusive != nil {
		cp := *r.exclusive
		s.ExclusiveLease = &cp
	}
	for _, l := range r.monitors {
		s.MonitorLeases = append(s.MonitorLeases, *l)
	}
	return s
}

// Notifier delivers a direct, out-of-band message to one specific client —
// distinct from the broadcast bus, used for the preemption notice spec.md
// §4.4 requires be delivered to the client losing its lease.
type Notifier interface {
	Notify(ctx context.Context, clientID string, notice PreemptionNotice) error
}

// PreemptionNotice is the payload delivered to a preempted client.
type PreemptionNotice struct {
	DeviceID      string
	PreemptedBy   string
	Reason        string
}

const inventoryCacheKey = "device_inventory"

// Manager owns every DeviceRecord and its leases.
type Manager struct {
	mu      sync.Mutex
	devices map[string]*Record

	enumerator Enumerator
	cache      cache.Cache
	cacheTTL   time.Duration
	bus        bus.Bus
	notifier   Notifier
	sf         singleflight.Group

	clock func() time.Time
	newID func() string
}

// New builds a device manager. cacheTTL controls how long a refresh result
// is reused before the next refresh re-probes the enumerator.
func New(enumerator Enumerator, c cache.Cache, b bus.Bus, notifier Notifier, cacheTTL time.Duration) *Manager {
	return &Manager{
		devices:    make(map[string]*Record),
		enumerator: enumerator,
		cache:      c,
		cacheTTL:   cacheTTL,
		bus:        b,
		notifier:   notifier,
		clock:      time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// RefreshDevices re-probes the enumerator (via singleflight, so concurrent
// callers within the cache TTL window collapse into one scan) and merges
// the result into the inventory, preserving existing lease state for
// devices that are still present.
func (m *Manager) RefreshDevices(ctx context.Context) ([]Snapshot, error) {
	if cached, ok := m.cache.Get(inventoryCacheKey); ok {
		if snaps, ok := cached.([]Snapshot); ok {
			return snaps, nil
		}
	}

	v, err, _ := m.sf.Do(inventoryCacheKey, func() (any, error) {
		infos, err := m.enumerator.Enumerate(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerate devices: %w", err)
		}
		return m.mergeInventory(infos), nil
	})
	if err != nil {
		return nil, err
	}
	snaps := v.([]Snapshot)
	m.cache.Set(inventoryCacheKey, snaps, m.cacheTTL)
	return snaps, nil
}

func (m *Manager) mergeInventory(infos []Info) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		seen[info.DeviceID] = true
		rec, ok := m.devices[info.DeviceID]
		if !ok {
			rec = &Record{DeviceID: info.DeviceID, monitors: make(map[string]*Lease)}
			m.devices[info.DeviceID] = rec
		}
		rec.Port = info.Port
		rec.Descriptor = info.Descriptor
		rec.Connected = true
	}
	for id, rec := range m.devices {
		if !seen[id] {
			rec.Connected = false
		}
	}

	out := make([]Snapshot, 0, len(m.devices))
	for _, rec := range m.devices {
		out = append(out, rec.snapshot())
	}
	return out
}

// ListDevices returns the current inventory without triggering a rescan.
func (m *Manager) ListDevices() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.devices))
	for _, rec := range m.devices {
		out = append(out, rec.snapshot())
	}
	return out
}

func normalizeDeviceID(id string) string {
	return norm.NFC.String(id)
}

func (m *Manager) recordFor(deviceID string) (*Record, bool) {
	rec, ok := m.devices[deviceID]
	return rec, ok
}

// AcquireExclusive grants the caller exclusive control of deviceID if it is
// currently unleased. Returns nil if the device is unknown, already
// exclusively held, or requested with allowsMonitors=false while monitor
// leases are still attached: spec.md §8's universal property requires that
// an exclusive lease with allowsMonitors=false never coexists with a
// non-empty monitor set, and since those monitor holders are unrelated
// third parties with no preemption reason offered, the caller must detach
// them first (or request allowsMonitors=true) rather than have them
// silently evicted.
func (m *Manager) AcquireExclusive(deviceID, clientID, description string, allowsMonitors bool) *Lease {
	deviceID = normalizeDeviceID(deviceID)
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recordFor(deviceID)
	if !ok {
		return nil
	}
	if rec.exclusive != nil {
		return nil
	}
	if !allowsMonitors && len(rec.monitors) > 0 {
		return nil
	}

	lease := &Lease{
		LeaseID:        m.newID(),
		ClientID:       clientID,
		DeviceID:       deviceID,
		Type:           Exclusive,
		Description:    description,
		AllowsMonitors: allowsMonitors,
		AcquiredAt:     m.clock(),
	}
	rec.exclusive = lease
	metrics.DeviceLeasesHeld.WithLabelValues(string(Exclusive)).Inc()
	log.WithComponent("devices").Info().
		Str(log.FieldDeviceID, deviceID).
		Str(log.FieldClientID, clientID).
		Str(log.FieldLeaseID, lease.LeaseID).
		Bool("allows_monitors", allowsMonitors).
		Str("event", "device.lease_acquired").
		Msg("exclusive device lease acquired")
	return lease
}

// AcquireMonitor grants a read-only observation lease. Any number may
// coexist iff there is no exclusive holder, or the exclusive holder allows
// monitors (spec.md invariant (b)).
func (m *Manager) AcquireMonitor(deviceID, clientID, description string) *Lease {
	deviceID = normalizeDeviceID(deviceID)
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recordFor(deviceID)
	if !ok {
		return nil
	}
	if rec.exclusive != nil && !rec.exclusive.AllowsMonitors {
		return nil
	}

	lease := &Lease{
		LeaseID:     m.newID(),
		ClientID:    clientID,
		DeviceID:    deviceID,
		Type:        Monitor,
		Description: description,
		AcquiredAt:  m.clock(),
	}
	rec.monitors[lease.LeaseID] = lease
	metrics.DeviceLeasesHeld.WithLabelValues(string(Monitor)).Inc()
	return lease
}

// ReleaseLease releases a lease by id, verifying clientID is its owner.
func (m *Manager) ReleaseLease(leaseID, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.devices {
		if rec.exclusive != nil && rec.exclusive.LeaseID == leaseID {
			if rec.exclusive.ClientID != clientID {
				return false
			}
			rec.exclusive = nil
			metrics.DeviceLeasesHeld.WithLabelValues(string(Exclusive)).Dec()
			return true
		}
		if l, ok := rec.monitors[leaseID]; ok {
			if l.ClientID != clientID {
				return false
			}
			delete(rec.monitors, leaseID)
			metrics.DeviceLeasesHeld.WithLabelValues(string(Monitor)).Dec()
			return true
		}
	}
	return false
}

// ReleaseAllClientLeases is the cascade-cleanup entry point on client death.
func (m *Manager) ReleaseAllClientLeases(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, rec := range m.devices {
		if rec.exclusive != nil && rec.exclusive.ClientID == clientID {
			rec.exclusive = nil
			metrics.DeviceLeasesHeld.WithLabelValues(string(Exclusive)).Dec()
			count++
		}
		for id, l := range rec.monitors {
			if l.ClientID == clientID {
				delete(rec.monitors, id)
				metrics.DeviceLeasesHeld.WithLabelValues(string(Monitor)).Dec()
				count++
			}
		}
	}
	return count
}

// PreemptDevice atomically revokes the current exclusive lease (if any),
// grants a new one to requestingClientID, notifies the preempted client,
// and broadcasts a DEVICES event — spec.md §4.4's four-step protocol. The
// lease swap happens under the manager lock; the lock is then released and
// the notice and broadcast are sent before the new lease is returned.
func (m *Manager) PreemptDevice(ctx context.Context, deviceID, requestingClientID, reason string) (*Lease, string, error) {
	if reason == "" {
		return nil, "", ErrReasonRequired
	}
	deviceID = normalizeDeviceID(deviceID)

	m.mu.Lock()
	rec, ok := m.recordFor(deviceID)
	if !ok {
		m.mu.Unlock()
		return nil, "", fmt.Errorf("device %q not found", deviceID)
	}

	var preemptedClient string
	allowsMonitors := false
	if rec.exclusive != nil {
		preemptedClient = rec.exclusive.ClientID
		allowsMonitors = rec.exclusive.AllowsMonitors
	}

	newLease := &Lease{
		LeaseID:        m.newID(),
		ClientID:       requestingClientID,
		DeviceID:       deviceID,
		Type:           Exclusive,
		Description:    fmt.Sprintf("preempted: %s", reason),
		AllowsMonitors: allowsMonitors,
		AcquiredAt:     m.clock(),
	}
	hadExclusive := rec.exclusive != nil
	rec.exclusive = newLease
	m.mu.Unlock()

	if hadExclusive {
		metrics.DeviceLeasesHeld.WithLabelValues(string(Exclusive)).Dec()
	}
	metrics.DeviceLeasesHeld.WithLabelValues(string(Exclusive)).Inc()
	metrics.DevicePreemptionsTotal.Inc()

	logger := log.WithComponent("devices")
	if preemptedClient != "" && m.notifier != nil {
		if err := m.notifier.Notify(ctx, preemptedClient, PreemptionNotice{
			DeviceID:    deviceID,
			PreemptedBy: requestingClientID,
			Reason:      reason,
		}); err != nil {
			logger.Warn().Err(err).Str(log.FieldClientID, preemptedClient).Msg("failed to deliver preemption notice")
		}
	}

	if m.bus != nil {
		_ = m.bus.Publish(ctx, bus.TopicDevices, bus.Event{
			Topic:     bus.TopicDevices,
			Type:      "device_preempted",
			FilterKey: deviceID,
			Data: map[string]any{
				"device_id":    deviceID,
				"preempted_by": requestingClientID,
				"reason":       reason,
			},
		})
	}

	logger.Info().
		Str(log.FieldDeviceID, deviceID).
		Str("preempted_client", preemptedClient).
		Str(log.FieldClientID, requestingClientID).
		Str("reason", reason).
		Str("event", "device.preempted").
		Msg("device lease preempted")

	return newLease, preemptedClient, nil
}
