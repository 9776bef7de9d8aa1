// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps every validation failure so callers can distinguish
// a bad config from an I/O error with errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate rejects nonsensical configurations (negative timeouts, zero
// worker pools, heartbeat parameters that cannot satisfy spec.md's §9
// interaction constraints) with a descriptive error instead of letting the
// daemon start in a broken state.
func Validate(cfg *DaemonConfig) error {
	var problems []string

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		problems = append(problems, fmt.Sprintf("listen_port %d out of range", cfg.ListenPort))
	}
	if cfg.HeartbeatTimeout <= 0 {
		problems = append(problems, "heartbeat_timeout must be positive")
	}
	if cfg.HeartbeatSendCadence <= 0 {
		problems = append(problems, "heartbeat_send_cadence must be positive")
	}
	// send-cadence × 4 ≤ timeout (spec.md §9 design note on heartbeat interactions).
	if cfg.HeartbeatSendCadence*4 > cfg.HeartbeatTimeout {
		problems = append(problems, fmt.Sprintf(
			"heartbeat_send_cadence*4 (%s) exceeds heartbeat_timeout (%s)",
			cfg.HeartbeatSendCadence*4, cfg.HeartbeatTimeout))
	}
	// sweep-interval ≥ timeout.
	if cfg.DeadClientSweepInterval < cfg.HeartbeatTimeout {
		problems = append(problems, fmt.Sprintf(
			"dead_client_sweep_interval (%s) must be >= heartbeat_timeout (%s)",
			cfg.DeadClientSweepInterval, cfg.HeartbeatTimeout))
	}
	if cfg.LockDefaultTimeout < 0 {
		problems = append(problems, "lock_default_timeout must not be negative")
	}
	if cfg.LockJanitorInterval <= 0 {
		problems = append(problems, "lock_janitor_interval must be positive")
	}
	if cfg.SerialBufferMaxLines <= 0 {
		problems = append(problems, "serial_buffer_max_lines must be positive")
	}
	if cfg.PipelineDownloadWorkers <= 0 {
		problems = append(problems, "pipeline_download_workers must be positive")
	}
	if cfg.PipelineUnpackWorkers <= 0 {
		problems = append(problems, "pipeline_unpack_workers must be positive")
	}
	if cfg.PipelineInstallWorkers <= 0 {
		problems = append(problems, "pipeline_install_workers must be positive")
	}
	switch cfg.DeviceCacheBackend {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("device_cache_backend %q must be \"memory\" or \"redis\"", cfg.DeviceCacheBackend))
	}
	if cfg.DeviceCacheBackend == "redis" && cfg.RedisAddr == "" {
		problems = append(problems, "redis_addr is required when device_cache_backend is \"redis\"")
	}
	if cfg.OutboundRateLimit < 0 {
		problems = append(problems, "outbound_rate_limit must not be negative")
	}
	if cfg.OutboundBurst <= 0 {
		problems = append(problems, "outbound_burst must be positive")
	}
	if cfg.SelfEvictionGrace <= 0 {
		problems = append(problems, "self_eviction_grace must be positive")
	}
	if cfg.IdleShutdownTimeout <= 0 {
		problems = append(problems, "idle_shutdown_timeout must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	err := fmt.Errorf("%w: %v", ErrInvalidConfig, problems)
	return err
}
