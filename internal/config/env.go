// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fbuildd/fbuildd/internal/log"
)

// envLookupFunc abstracts os.LookupEnv so tests can inject a fake environment.
type envLookupFunc func(key string) (string, bool)

func parseString(lookup envLookupFunc, key, defaultValue string) string {
	logger := log.WithComponent("config")
	v, ok := lookup(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Str("default", defaultValue).Str("source", "default").Msg("using default value")
		return defaultValue
	}
	logger.Debug().Str("key", key).Str("value", v).Str("source", "environment").Msg("using environment variable")
	return v
}

func parseInt(lookup envLookupFunc, key string, defaultValue int) int {
	logger := log.WithComponent("config")
	v, ok := lookup(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Int("default", defaultValue).Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	return i
}

func parseBool(lookup envLookupFunc, key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	v, ok := lookup(key)
	if !ok || v == "" {
		return defaultValue
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		logger.Warn().Str("key", key).Str("value", v).Bool("default", defaultValue).Msg("invalid boolean in environment variable, using default")
		return defaultValue
	}
}

func parseDuration(lookup envLookupFunc, key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	v, ok := lookup(key)
	if !ok || v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Dur("default", defaultValue).Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	return d
}

func parseFloat(lookup envLookupFunc, key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	v, ok := lookup(key)
	if !ok || v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Float64("default", defaultValue).Msg("invalid float in environment variable, using default")
		return defaultValue
	}
	return f
}

func osLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}
