// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package config loads and validates the daemon's configuration, following
// env > file > defaults precedence.
package config

import "time"

// DaemonConfig is the full set of tunables for one daemon process. Every
// field has a documented default (see defaults.go); nothing is required.
type DaemonConfig struct {
	// Transport (C7)
	ListenAddr     string `yaml:"listen_addr"`
	ListenPort     int    `yaml:"listen_port"`
	UnixSocketPath string `yaml:"unix_socket_path"` // empty disables the unix listener

	// Client liveness (C2, C7)
	HeartbeatTimeout         time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatSendCadence     time.Duration `yaml:"heartbeat_send_cadence"`
	DeadClientSweepInterval  time.Duration `yaml:"dead_client_sweep_interval"`

	// Configuration locks (C3)
	LockDefaultTimeout  time.Duration `yaml:"lock_default_timeout"`
	LockJanitorInterval time.Duration `yaml:"lock_janitor_interval"`
	// JanitorStaleFloor is the source's separate "stale threshold" constant
	// (spec §9 open question): surfaced as a configurable floor rather than
	// folded into is_stale, see DESIGN.md.
	JanitorStaleFloor time.Duration `yaml:"janitor_stale_floor"`

	// Main loop & housekeeping (C8)
	OrphanSweepInterval  time.Duration `yaml:"orphan_sweep_interval"`
	CancelSignalMaxAge   time.Duration `yaml:"cancel_signal_max_age"`
	SelfEvictionGrace    time.Duration `yaml:"self_eviction_grace"`
	IdleShutdownTimeout  time.Duration `yaml:"idle_shutdown_timeout"`
	RequestChannelPollInterval time.Duration `yaml:"request_channel_poll_interval"`

	// Serial (C5)
	SerialBufferMaxLines int `yaml:"serial_buffer_max_lines"`

	// Package pipeline (C9)
	PipelineDownloadWorkers int `yaml:"pipeline_download_workers"`
	PipelineUnpackWorkers   int `yaml:"pipeline_unpack_workers"`
	PipelineInstallWorkers  int `yaml:"pipeline_install_workers"`
	PipelineTickInterval    time.Duration `yaml:"pipeline_tick_interval"`

	// Device inventory cache (C4)
	DeviceCacheBackend string        `yaml:"device_cache_backend"` // "memory" or "redis"
	DeviceCacheTTL     time.Duration `yaml:"device_cache_ttl"`
	RedisAddr          string        `yaml:"redis_addr"`

	// Outbound pacing (C7) — per-client token-bucket limiter so one slow or
	// firehose-subscribed reader cannot stall broadcast delivery to others.
	OutboundRateLimit float64 `yaml:"outbound_rate_limit"` // messages/sec, 0 = unlimited
	OutboundBurst     int     `yaml:"outbound_burst"`

	// Storage & ambient
	DataDir     string `yaml:"data_dir"`
	DevMode     bool   `yaml:"-"` // derived from FBUILD_DEV_MODE, not file-settable
	LogLevel    string `yaml:"log_level"`
	DebugHTTPAddr string `yaml:"debug_http_addr"` // empty disables the debug HTTP surface
}
