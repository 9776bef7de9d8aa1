// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package config

import (
	"runtime"
	"time"
)

// Default returns a DaemonConfig populated with the documented defaults
// from spec.md, before env/file overlays are applied.
func Default() *DaemonConfig {
	return &DaemonConfig{
		ListenAddr:     "127.0.0.1",
		ListenPort:     9876,
		UnixSocketPath: "",

		HeartbeatTimeout:        4 * time.Second,
		HeartbeatSendCadence:    1 * time.Second,
		DeadClientSweepInterval: 10 * time.Second,

		LockDefaultTimeout:  1800 * time.Second,
		LockJanitorInterval: 60 * time.Second,
		JanitorStaleFloor:   3600 * time.Second,

		OrphanSweepInterval:        5 * time.Second,
		CancelSignalMaxAge:         5 * time.Minute,
		SelfEvictionGrace:          4 * time.Second,
		IdleShutdownTimeout:        12 * time.Hour,
		RequestChannelPollInterval: 500 * time.Millisecond,

		SerialBufferMaxLines: 4096,

		PipelineDownloadWorkers: 4,
		PipelineUnpackWorkers:   runtime.NumCPU(),
		PipelineInstallWorkers:  runtime.NumCPU(),
		PipelineTickInterval:    50 * time.Millisecond,

		OutboundRateLimit: 200,
		OutboundBurst:     400,

		DeviceCacheBackend: "memory",
		DeviceCacheTTL:     5 * time.Second,
		RedisAddr:          "",

		DataDir:       "",
		DevMode:       false,
		LogLevel:      "info",
		DebugHTTPAddr: "127.0.0.1:9877",
	}
}
