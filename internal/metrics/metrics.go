// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package metrics exposes the daemon's Prometheus instrumentation. Every
// manager registers its own counters/gauges here rather than constructing
// private registries, so the auxiliary debug HTTP surface (internal/httpapi)
// can serve them all from one /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fbuildd"

var (
	// LocksHeld reports the current count of held configuration locks,
	// labeled by state (locked_exclusive, locked_shared_read).
	LocksHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "locks_held",
		Help:      "Number of configuration locks currently held, by state.",
	}, []string{"state"})

	// LocksStaleReleased counts locks force-released by the janitor sweep.
	LocksStaleReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "locks_stale_released_total",
		Help:      "Total configuration locks force-released for exceeding their timeout.",
	})

	// ClientsConnected reports the current number of live client sessions.
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients_connected",
		Help:      "Number of client sessions currently registered.",
	})

	// ClientsDisconnectedTotal counts client disconnections, by cause.
	ClientsDisconnectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "clients_disconnected_total",
		Help:      "Total client disconnections, labeled by cause (graceful, dead_sweep, transport_error).",
	}, []string{"cause"})

	// DeviceLeasesHeld reports held device leases by type.
	DeviceLeasesHeld = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "device_leases_held",
		Help:      "Number of device leases currently held, by type (exclusive, monitor).",
	}, []string{"lease_type"})

	// DevicePreemptionsTotal counts successful device preemptions.
	DevicePreemptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "device_preemptions_total",
		Help:      "Total successful device lease preemptions.",
	})

	// SerialSessionsOpen reports currently open serial port sessions.
	SerialSessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "serial_sessions_open",
		Help:      "Number of serial ports currently open.",
	})

	// SerialBytesWrittenTotal counts bytes written to serial ports.
	SerialBytesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "serial_bytes_written_total",
		Help:      "Total bytes written across all serial ports.",
	})

	// PipelineTaskDuration observes per-phase task durations.
	PipelineTaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_task_duration_seconds",
		Help:      "Duration of a package task's time in one pipeline phase.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"phase", "outcome"})

	// PipelineTasksActive reports tasks currently in-flight, by phase.
	PipelineTasksActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pipeline_tasks_active",
		Help:      "Number of package tasks currently in each phase.",
	}, []string{"phase"})

	// BusDroppedTotal counts broadcast deliveries dropped due to context
	// cancellation (slow or dead subscriber).
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_dropped_total",
		Help:      "Total broadcast deliveries dropped, by topic and reason.",
	}, []string{"topic", "reason"})

	// OperationInProgress mirrors the status manager's operation_in_progress
	// flag so it can be scraped alongside other gauges.
	OperationInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "operation_in_progress",
		Help:      "1 if a build/deploy/install operation is currently running, else 0.",
	})

	// ProcTerminateTotal counts process-group termination signal attempts
	// made by procgroup.Terminate (the orphan sweep's KillGroup path does not
	// record here).
	ProcTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proc_terminate_total",
		Help:      "Total process-group termination attempts, by signal and outcome.",
	}, []string{"signal", "outcome"})

	// ProcWaitTotal counts how a terminated process group's wait resolved.
	ProcWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proc_wait_total",
		Help:      "Total process-group wait outcomes after a terminate.",
	}, []string{"outcome"})
)

// IncProcTerminate records one termination signal attempt against a process
// group, labeled by signal name and outcome (sent, esrch, error).
func IncProcTerminate(signal, outcome string) {
	ProcTerminateTotal.WithLabelValues(signal, outcome).Inc()
}

// IncProcWait records how a process group's Wait() resolved after Terminate.
func IncProcWait(outcome string) {
	ProcWaitTotal.WithLabelValues(outcome).Inc()
}

// IncBusDroppedReason records one dropped broadcast delivery.
func IncBusDroppedReason(topic, reason string) {
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
