// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package daemonctx constructs the process-singleton "daemon context":
// the resolved set of filesystem paths and shared collaborators (the event
// bus) that every manager needs, built once at startup and passed
// explicitly rather than reached for through package-level globals (spec.md
// §9 design note).
package daemonctx

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fbuildd/fbuildd/internal/bus"
	"github.com/fbuildd/fbuildd/internal/config"
	"github.com/fbuildd/fbuildd/internal/log"
)

// Context bundles every path and shared collaborator the daemon's
// subsystems are constructed with. Exactly one is built per process.
type Context struct {
	Config *config.DaemonConfig
	Bus    bus.Bus

	DataDir            string
	PIDFilePath         string
	StatusFilePath      string
	FirmwareLedgerPath  string
	RequestChannelDir   string
	SignalDir           string
	PackageCacheDir     string
	FingerprintIndexPath string

	StartedAt time.Time
}

// New resolves every data-directory path under cfg.DataDir and creates the
// directories that must exist before any manager starts, then constructs
// the shared in-process event bus.
func New(cfg *config.DaemonConfig) (*Context, error) {
	dirs := []string{
		cfg.DataDir,
		filepath.Join(cfg.DataDir, "requests"),
		filepath.Join(cfg.DataDir, "signals"),
		filepath.Join(cfg.DataDir, "packages"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %q: %w", d, err)
		}
	}

	return &Context{
		Config: cfg,
		Bus:    bus.NewMemoryBus(),

		DataDir:              cfg.DataDir,
		PIDFilePath:          filepath.Join(cfg.DataDir, "daemon.pid"),
		StatusFilePath:       filepath.Join(cfg.DataDir, "status.json"),
		FirmwareLedgerPath:   filepath.Join(cfg.DataDir, "firmware_ledger.db"),
		RequestChannelDir:    filepath.Join(cfg.DataDir, "requests"),
		SignalDir:            filepath.Join(cfg.DataDir, "signals"),
		PackageCacheDir:      filepath.Join(cfg.DataDir, "packages"),
		FingerprintIndexPath: filepath.Join(cfg.DataDir, "fingerprints.badger"),

		StartedAt: time.Now(),
	}, nil
}

// ReapStalePIDFile inspects any existing PID file and removes it if the
// recorded process is no longer running, so a crashed daemon doesn't block
// the next one from starting.
func (c *Context) ReapStalePIDFile() error {
	raw, err := os.ReadFile(c.PIDFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(string(raw))
	if err != nil {
		log.L().Warn().Str("path", c.PIDFilePath).Msg("pid file contents unparsable, removing")
		return os.Remove(c.PIDFilePath)
	}
	if processAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}
	log.L().Info().Int("pid", pid).Msg("removing stale pid file")
	return os.Remove(c.PIDFilePath)
}

// WritePIDFile records the current process id.
func (c *Context) WritePIDFile() error {
	return os.WriteFile(c.PIDFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePIDFile is called during graceful shutdown.
func (c *Context) RemovePIDFile() error {
	err := os.Remove(c.PIDFilePath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
