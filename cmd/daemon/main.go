// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fbuildd/fbuildd/internal/cache"
	"github.com/fbuildd/fbuildd/internal/cascade"
	"github.com/fbuildd/fbuildd/internal/clients"
	"github.com/fbuildd/fbuildd/internal/config"
	"github.com/fbuildd/fbuildd/internal/daemonctx"
	"github.com/fbuildd/fbuildd/internal/devices"
	"github.com/fbuildd/fbuildd/internal/firmware"
	"github.com/fbuildd/fbuildd/internal/httpapi"
	"github.com/fbuildd/fbuildd/internal/locks"
	fbuildlog "github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/loop"
	"github.com/fbuildd/fbuildd/internal/pipeline/fingerprint"
	"github.com/fbuildd/fbuildd/internal/procgroup"
	"github.com/fbuildd/fbuildd/internal/serial"
	"github.com/fbuildd/fbuildd/internal/server"
	"github.com/fbuildd/fbuildd/internal/status"
	"github.com/rs/zerolog"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fbuildd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	fbuildlog.Configure(fbuildlog.Config{Level: "info", Service: "fbuildd", Version: version})
	logger := fbuildlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}

	fbuildlog.Configure(fbuildlog.Config{Level: cfg.LogLevel, Service: "fbuildd", Version: version})
	logger.Info().Str("listen_addr", cfg.ListenAddr).Int("listen_port", cfg.ListenPort).Str("data_dir", cfg.DataDir).Msg("starting fbuildd")

	dctx, err := daemonctx.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct daemon context")
	}

	if err := dctx.ReapStalePIDFile(); err != nil {
		logger.Fatal().Err(err).Msg("another fbuildd instance appears to be running")
	}
	if err := dctx.WritePIDFile(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write pid file")
	}
	defer func() {
		if err := dctx.RemovePIDFile(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove pid file")
		}
	}()

	statusMgr := status.New(dctx.StatusFilePath)
	if err := statusMgr.UpdateStatus("starting", "initializing managers"); err != nil {
		logger.Warn().Err(err).Msg("failed to write initial status")
	}

	clientRegistry := clients.New(cfg.HeartbeatTimeout)
	lockMgr := locks.New()

	deviceCache, err := buildDeviceCache(cfg, fbuildlog.WithComponent("device_cache"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct device cache")
	}

	// devices.Manager needs a Notifier to deliver preemption notices, but the
	// only Notifier is the server, which itself needs the device manager in
	// its own Deps. notifierProxy breaks the cycle: it is handed to
	// devices.New now and pointed at the real server once server.New
	// returns, a few lines below.
	notifierProxy := &notifierProxy{}
	deviceMgr := devices.New(devices.SysfsEnumerator{}, deviceCache, dctx.Bus, notifierProxy, cfg.DeviceCacheTTL)

	serialMgr := serial.New(serial.FilePortIO{}, dctx.Bus, cfg.SerialBufferMaxLines)

	firmwareLedger, err := firmware.Open(dctx.FirmwareLedgerPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open firmware ledger")
	}
	defer func() {
		if err := firmwareLedger.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close firmware ledger")
		}
	}()

	tracker := procgroup.NewTracker()

	fingerprintIndex, err := fingerprint.Open(dctx.FingerprintIndexPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open fingerprint index")
	}
	defer func() {
		if err := fingerprintIndex.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close fingerprint index")
		}
	}()

	srv := server.New(cfg, server.Deps{
		Clients:  clientRegistry,
		Locks:    lockMgr,
		Devices:  deviceMgr,
		Serial:   serialMgr,
		Firmware: firmwareLedger,
		Status:   statusMgr,
		Bus:      dctx.Bus,
	})
	notifierProxy.set(srv)

	handler := newPipelineHandler(fingerprintIndex, dctx.PackageCacheDir, cfg.PipelineTickInterval,
		cfg.PipelineDownloadWorkers, cfg.PipelineUnpackWorkers, cfg.PipelineInstallWorkers)

	mainLoop := loop.New(cfg, loop.Deps{
		Clients: clientRegistry,
		Locks:   lockMgr,
		Status:  statusMgr,
		Tracker: tracker,
		Handler: handler,
		Server:  srv,
		Cascade: cascade.Deps{Locks: lockMgr, Devices: deviceMgr, Serial: serialMgr, Bus: dctx.Bus},
	}, dctx.RequestChannelDir, dctx.SignalDir)

	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	var httpSrv *httpapi.Server
	if cfg.DebugHTTPAddr != "" {
		httpSrv = httpapi.New(cfg.DebugHTTPAddr, statusMgr)
		httpErrCh := httpSrv.Start()
		go func() {
			if err := <-httpErrCh; err != nil {
				logger.Error().Err(err).Msg("debug http server failed")
			}
		}()
		logger.Info().Str("addr", cfg.DebugHTTPAddr).Msg("debug http surface listening")
	}

	if err := statusMgr.UpdateStatus("running", "accepting clients"); err != nil {
		logger.Warn().Err(err).Msg("failed to update status to running")
	}

	shutdownReason := make(chan string, 1)
	loopErrCh := make(chan error, 1)
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go func() {
		loopErrCh <- mainLoop.Run(loopCtx, func(reason string) {
			select {
			case shutdownReason <- reason:
			default:
			}
			cancelLoop()
		})
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case reason := <-shutdownReason:
		logger.Info().Str("reason", reason).Msg("main loop requested shutdown")
	case err := <-loopErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("main loop exited with error")
		}
	}

	logger.Info().Msg("shutting down")
	if err := statusMgr.UpdateStatus("stopping", "graceful shutdown in progress"); err != nil {
		logger.Warn().Err(err).Msg("failed to update status to stopping")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("debug http server shutdown error")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown error")
	}

	logger.Info().Msg("fbuildd stopped")
}

// buildDeviceCache picks the device inventory cache backend per
// cfg.DeviceCacheBackend: an in-process TTL cache by default, or Redis.
// The Redis backend returns JSON-decoded values, which the device manager
// does not reuse as an inventory (see cache.RedisCache).
func buildDeviceCache(cfg *config.DaemonConfig, logger zerolog.Logger) (cache.Cache, error) {
	switch cfg.DeviceCacheBackend {
	case "redis":
		return cache.NewRedisCache(cache.RedisConfig{Addr: cfg.RedisAddr}, logger)
	default:
		return cache.NewMemoryCache(cfg.DeviceCacheTTL), nil
	}
}
