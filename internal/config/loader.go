// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package config

import "fmt"

// Loader resolves a DaemonConfig under env > file > defaults precedence,
// mirroring the teacher's config.Loader but against FBUILD_* keys.
type Loader struct {
	configPath  string
	lookupEnvFn envLookupFunc
}

// NewLoader creates a loader reading from the real process environment.
func NewLoader(configPath string) *Loader {
	return NewLoaderWithEnv(configPath, osLookup)
}

// NewLoaderWithEnv creates a loader with an injected environment lookup,
// used by tests to avoid mutating the real process environment.
func NewLoaderWithEnv(configPath string, lookup envLookupFunc) *Loader {
	if lookup == nil {
		lookup = osLookup
	}
	return &Loader{configPath: configPath, lookupEnvFn: lookup}
}

// Load builds a DaemonConfig: defaults, overlaid by the optional YAML file,
// overlaid by FBUILD_* environment variables, then validated.
func (l *Loader) Load() (*DaemonConfig, error) {
	cfg := Default()

	if err := loadFile(l.configPath, cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	l.applyEnv(cfg)

	cfg.DevMode = parseBool(l.lookupEnvFn, "FBUILD_DEV_MODE", false)
	cfg.DataDir = resolveDataDir(l.lookupEnvFn, cfg.DataDir, cfg.DevMode)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *DaemonConfig) {
	cfg.ListenAddr = parseString(l.lookupEnvFn, "FBUILD_LISTEN_ADDR", cfg.ListenAddr)
	cfg.ListenPort = parseInt(l.lookupEnvFn, "FBUILD_LISTEN_PORT", cfg.ListenPort)
	cfg.UnixSocketPath = parseString(l.lookupEnvFn, "FBUILD_UNIX_SOCKET", cfg.UnixSocketPath)

	cfg.HeartbeatTimeout = parseDuration(l.lookupEnvFn, "FBUILD_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.HeartbeatSendCadence = parseDuration(l.lookupEnvFn, "FBUILD_HEARTBEAT_SEND_CADENCE", cfg.HeartbeatSendCadence)
	cfg.DeadClientSweepInterval = parseDuration(l.lookupEnvFn, "FBUILD_DEAD_CLIENT_SWEEP_INTERVAL", cfg.DeadClientSweepInterval)

	cfg.LockDefaultTimeout = parseDuration(l.lookupEnvFn, "FBUILD_LOCK_DEFAULT_TIMEOUT", cfg.LockDefaultTimeout)
	cfg.LockJanitorInterval = parseDuration(l.lookupEnvFn, "FBUILD_LOCK_JANITOR_INTERVAL", cfg.LockJanitorInterval)
	cfg.JanitorStaleFloor = parseDuration(l.lookupEnvFn, "FBUILD_JANITOR_STALE_FLOOR", cfg.JanitorStaleFloor)

	cfg.OrphanSweepInterval = parseDuration(l.lookupEnvFn, "FBUILD_ORPHAN_SWEEP_INTERVAL", cfg.OrphanSweepInterval)
	cfg.CancelSignalMaxAge = parseDuration(l.lookupEnvFn, "FBUILD_CANCEL_SIGNAL_MAX_AGE", cfg.CancelSignalMaxAge)
	cfg.SelfEvictionGrace = parseDuration(l.lookupEnvFn, "FBUILD_SELF_EVICTION_GRACE", cfg.SelfEvictionGrace)
	cfg.IdleShutdownTimeout = parseDuration(l.lookupEnvFn, "FBUILD_IDLE_SHUTDOWN_TIMEOUT", cfg.IdleShutdownTimeout)
	cfg.RequestChannelPollInterval = parseDuration(l.lookupEnvFn, "FBUILD_REQUEST_CHANNEL_POLL_INTERVAL", cfg.RequestChannelPollInterval)

	cfg.SerialBufferMaxLines = parseInt(l.lookupEnvFn, "FBUILD_SERIAL_BUFFER_MAX_LINES", cfg.SerialBufferMaxLines)

	cfg.PipelineDownloadWorkers = parseInt(l.lookupEnvFn, "FBUILD_PIPELINE_DOWNLOAD_WORKERS", cfg.PipelineDownloadWorkers)
	cfg.PipelineUnpackWorkers = parseInt(l.lookupEnvFn, "FBUILD_PIPELINE_UNPACK_WORKERS", cfg.PipelineUnpackWorkers)
	cfg.PipelineInstallWorkers = parseInt(l.lookupEnvFn, "FBUILD_PIPELINE_INSTALL_WORKERS", cfg.PipelineInstallWorkers)
	cfg.PipelineTickInterval = parseDuration(l.lookupEnvFn, "FBUILD_PIPELINE_TICK_INTERVAL", cfg.PipelineTickInterval)

	cfg.OutboundRateLimit = parseFloat(l.lookupEnvFn, "FBUILD_OUTBOUND_RATE_LIMIT", cfg.OutboundRateLimit)
	cfg.OutboundBurst = parseInt(l.lookupEnvFn, "FBUILD_OUTBOUND_BURST", cfg.OutboundBurst)

	cfg.DeviceCacheBackend = parseString(l.lookupEnvFn, "FBUILD_DEVICE_CACHE_BACKEND", cfg.DeviceCacheBackend)
	cfg.DeviceCacheTTL = parseDuration(l.lookupEnvFn, "FBUILD_DEVICE_CACHE_TTL", cfg.DeviceCacheTTL)
	cfg.RedisAddr = parseString(l.lookupEnvFn, "FBUILD_REDIS_ADDR", cfg.RedisAddr)

	cfg.DataDir = parseString(l.lookupEnvFn, "FBUILD_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = parseString(l.lookupEnvFn, "FBUILD_LOG_LEVEL", cfg.LogLevel)
	cfg.DebugHTTPAddr = parseString(l.lookupEnvFn, "FBUILD_DEBUG_HTTP_ADDR", cfg.DebugHTTPAddr)
}
