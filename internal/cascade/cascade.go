// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package cascade centralizes the cleanup a client's death triggers across
// the lock, device, and serial managers (spec.md §3 "Destruction triggers
// cascade cleanup in C3/C4/C5"). Both the daemon server (on DISCONNECT or a
// dead transport) and the main loop (on a dead-client sweep, spec.md §4.2)
// call the same entry point so the two call sites can never drift.
package cascade

import (
	"context"

	"github.com/fbuildd/fbuildd/internal/bus"
	"github.com/fbuildd/fbuildd/internal/devices"
	"github.com/fbuildd/fbuildd/internal/locks"
	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/metrics"
	"github.com/fbuildd/fbuildd/internal/serial"
)

// Deps bundles the managers a client's cleanup must cascade through.
type Deps struct {
	Locks   *locks.Manager
	Devices *devices.Manager
	Serial  *serial.Manager
	Bus     bus.Bus
}

// Cleanup releases every lock, device lease, and serial attachment clientID
// held. It publishes a locks_released or leases_released broadcast event when
// any locks or leases were freed; the serial detach publishes nothing. cause
// is a short label ("graceful", "dead_sweep", "transport_error") carried in
// those events and in the clients_disconnected_total metric.
func Cleanup(ctx context.Context, d Deps, clientID, cause string) {
	logger := log.WithComponent("cascade")

	if n := d.Locks.ReleaseAllClientLocks(clientID); n > 0 {
		logger.Info().Str(log.FieldClientID, clientID).Int("count", n).Msg("released client locks on cleanup")
		publish(ctx, d.Bus, bus.TopicLocks, "locks_released", clientID, map[string]any{
			"client_id": clientID, "count": n, "cause": cause,
		})
	}

	if n := d.Devices.ReleaseAllClientLeases(clientID); n > 0 {
		logger.Info().Str(log.FieldClientID, clientID).Int("count", n).Msg("released client device leases on cleanup")
		publish(ctx, d.Bus, bus.TopicDevices, "leases_released", clientID, map[string]any{
			"client_id": clientID, "count": n, "cause": cause,
		})
	}

	d.Serial.DisconnectClient(clientID)

	metrics.ClientsDisconnectedTotal.WithLabelValues(cause).Inc()
}

func publish(ctx context.Context, b bus.Bus, topic bus.Topic, eventType, filterKey string, data any) {
	if b == nil {
		return
	}
	_ = b.Publish(ctx, topic, bus.Event{Topic: topic, Type: eventType, FilterKey: filterKey, Data: data})
}
