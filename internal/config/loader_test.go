// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakeEnv(values map[string]string) envLookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	l := NewLoaderWithEnv("", fakeEnv(nil))
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, 9876, cfg.ListenPort)
	require.Equal(t, 4*time.Second, cfg.HeartbeatTimeout)
	require.False(t, cfg.DevMode)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	l := NewLoaderWithEnv("", fakeEnv(map[string]string{
		"FBUILD_LISTEN_PORT":       "9999",
		"FBUILD_DEVICE_CACHE_BACKEND": "redis",
		"FBUILD_REDIS_ADDR":        "localhost:6379",
	}))
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.ListenPort)
	require.Equal(t, "redis", cfg.DeviceCacheBackend)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoadDevModeResolvesProjectLocalDataDir(t *testing.T) {
	l := NewLoaderWithEnv("", fakeEnv(map[string]string{"FBUILD_DEV_MODE": "1"}))
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Contains(t, cfg.DataDir, ".fbuild/daemon_dev")
}

func TestValidateRejectsBadHeartbeatInteraction(t *testing.T) {
	cfg := Default()
	cfg.HeartbeatSendCadence = 2 * time.Second
	cfg.HeartbeatTimeout = 4 * time.Second // cadence*4 > timeout
	err := Validate(cfg)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejectsZeroWorkerPools(t *testing.T) {
	cfg := Default()
	cfg.PipelineDownloadWorkers = 0
	require.Error(t, Validate(cfg))
}

func TestValidateRequiresRedisAddrForRedisBackend(t *testing.T) {
	cfg := Default()
	cfg.DeviceCacheBackend = "redis"
	cfg.RedisAddr = ""
	require.Error(t, Validate(cfg))
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, Validate(Default()))
}
