// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package loop implements the Main Loop & Request Channels (C8): the
// file-based rendezvous for BUILD/DEPLOY/MONITOR/INSTALL_DEPS operations,
// periodic housekeeping across every other manager, and the daemon's
// shutdown and self-eviction policy.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fbuildd/fbuildd/internal/cascade"
	"github.com/fbuildd/fbuildd/internal/clients"
	"github.com/fbuildd/fbuildd/internal/config"
	"github.com/fbuildd/fbuildd/internal/locks"
	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/procgroup"
	"github.com/fbuildd/fbuildd/internal/status"
	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
)

// Channel identifies one of the four file-based request rendezvous points.
type Channel string

const (
	ChannelBuild       Channel = "BUILD"
	ChannelDeploy      Channel = "DEPLOY"
	ChannelMonitor     Channel = "MONITOR"
	ChannelInstallDeps Channel = "INSTALL_DEPS"
)

func (c Channel) filename() string {
	switch c {
	case ChannelBuild:
		return "build_request.json"
	case ChannelDeploy:
		return "deploy_request.json"
	case ChannelMonitor:
		return "monitor_request.json"
	case ChannelInstallDeps:
		return "install_deps_request.json"
	default:
		return ""
	}
}

var allChannels = []Channel{ChannelBuild, ChannelDeploy, ChannelMonitor, ChannelInstallDeps}

// PackageSpec is one dependency the INSTALL_DEPS channel asks C9 to
// materialize (spec.md §4.9's PackageTask, as carried over the wire).
type PackageSpec struct {
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	DestPath   string   `json:"dest_path"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// Request is the common shape spec.md §6 describes for every request
// channel: "at least a project path, an environment name, a verbose flag,
// and tracking fields". Packages is only meaningful on ChannelInstallDeps.
type Request struct {
	ProjectDir  string        `json:"project_dir"`
	Environment string        `json:"environment"`
	Verbose     bool          `json:"verbose"`
	OperationID string        `json:"operation_id"`
	Packages    []PackageSpec `json:"packages,omitempty"`
}

// Handler processes one consumed request. Implementations run with
// operation_in_progress already set true by the loop; they must not set it
// themselves.
type Handler interface {
	Handle(ctx context.Context, channel Channel, req Request) error
}

// ConnectionSweeper lets the loop forward a dead-client sweep into the
// server's own connection table (closing a socket whose owner stopped
// heartbeating but never actually hung up).
type ConnectionSweeper interface {
	ForceDisconnect(clientID, reason string)
}

// Deps bundles every collaborator the main loop drives.
type Deps struct {
	Clients  *clients.Registry
	Locks    *locks.Manager
	Status   *status.Manager
	Tracker  *procgroup.Tracker
	Handler  Handler
	Server   ConnectionSweeper
	Cascade  cascade.Deps
}

// Loop owns the request-channel rendezvous and housekeeping tickers. The
// zero value is not usable; construct with New.
type Loop struct {
	cfg  *config.DaemonConfig
	deps Deps

	requestDir string
	signalDir  string

	channelMu map[Channel]*sync.Mutex

	opsMu      sync.Mutex
	ops        map[string]context.CancelFunc

	idleSince     time.Time
	lastRequestAt time.Time
	mu            sync.Mutex

	clock func() time.Time
}

// New builds a Loop polling requestDir/signalDir. cfg's *Interval /
// *Timeout fields drive the housekeeping ticks (see config.DaemonConfig),
// except the signal-file and self-eviction tick, which is a fixed 500ms.
func New(cfg *config.DaemonConfig, deps Deps, requestDir, signalDir string) *Loop {
	channelMu := make(map[Channel]*sync.Mutex, len(allChannels))
	for _, ch := range allChannels {
		channelMu[ch] = &sync.Mutex{}
	}
	now := time.Now()
	return &Loop{
		cfg:           cfg,
		deps:          deps,
		requestDir:    requestDir,
		signalDir:     signalDir,
		channelMu:     channelMu,
		ops:           make(map[string]context.CancelFunc),
		idleSince:     now,
		lastRequestAt: now,
		clock:         time.Now,
	}
}

// Run blocks until ctx is cancelled or the self-eviction / idle-timeout /
// shutdown-signal policy decides to stop, at which point it calls
// requestShutdown with a human-readable reason and returns.
func (l *Loop) Run(ctx context.Context, requestShutdown func(reason string)) error {
	logger := log.WithComponent("mainloop")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	for _, dir := range []string{l.requestDir, l.signalDir} {
		if err := watcher.Add(dir); err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("failed to watch directory, falling back to polling only")
		}
	}

	pollTicker := time.NewTicker(pollInterval(l.cfg.RequestChannelPollInterval))
	defer pollTicker.Stop()
	shortTicker := time.NewTicker(500 * time.Millisecond)
	defer shortTicker.Stop()
	orphanTicker := time.NewTicker(pollInterval(l.cfg.OrphanSweepInterval))
	defer orphanTicker.Stop()
	deadClientTicker := time.NewTicker(pollInterval(l.cfg.DeadClientSweepInterval))
	defer deadClientTicker.Stop()
	janitorTicker := time.NewTicker(pollInterval(l.cfg.LockJanitorInterval))
	defer janitorTicker.Stop()

	logger.Info().Msg("main loop started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				l.pollRequestChannels(ctx)
				l.pollSignals(ctx, requestShutdown)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				continue
			}
			logger.Warn().Err(err).Msg("fsnotify watcher error")

		case <-pollTicker.C:
			l.pollRequestChannels(ctx)

		case <-shortTicker.C:
			l.pollSignals(ctx, requestShutdown)
			if l.evaluateSelfEviction(requestShutdown) {
				return nil
			}
			if l.evaluateIdleTimeout(requestShutdown) {
				return nil
			}

		case <-orphanTicker.C:
			l.sweepOrphans()

		case <-deadClientTicker.C:
			l.sweepDeadClients(ctx)

		case <-janitorTicker.C:
			l.sweepStaleLocks()
			l.sweepStaleCancelSignals()
		}
	}
}

func pollInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return d
}

// pollRequestChannels attempts an atomic read-then-delete of every request
// channel's backing file, dispatching anything found to the Handler.
func (l *Loop) pollRequestChannels(ctx context.Context) {
	for _, ch := range allChannels {
		req, ok := l.consumeChannel(ch)
		if !ok {
			continue
		}
		l.noteRequestArrived()
		go l.runRequest(ctx, ch, req)
	}
}

// consumeChannel performs the read-then-delete under the channel's own
// mutex so a second writer racing the daemon's consumption cannot be
// double-processed (spec.md §4.8).
func (l *Loop) consumeChannel(ch Channel) (Request, bool) {
	mu := l.channelMu[ch]
	mu.Lock()
	defer mu.Unlock()

	path := filepath.Join(l.requestDir, ch.filename())
	data, err := os.ReadFile(path)
	if err != nil {
		return Request{}, false
	}
	if err := os.Remove(path); err != nil {
		log.WithComponent("mainloop").Warn().Err(err).Str("path", path).Msg("failed to delete consumed request file")
		return Request{}, false
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.WithComponent("mainloop").Warn().Err(err).Str("channel", string(ch)).Msg("malformed request payload, discarding")
		return Request{}, false
	}
	return req, true
}

func (l *Loop) runRequest(ctx context.Context, ch Channel, req Request) {
	logger := log.WithComponent("mainloop")
	opCtx, cancel := context.WithCancel(ctx)
	if req.OperationID != "" {
		l.opsMu.Lock()
		l.ops[req.OperationID] = cancel
		l.opsMu.Unlock()
		defer func() {
			l.opsMu.Lock()
			delete(l.ops, req.OperationID)
			l.opsMu.Unlock()
		}()
	}
	defer cancel()

	_ = l.deps.Status.SetOperationInProgress(true)
	defer func() { _ = l.deps.Status.SetOperationInProgress(false) }()

	logger.Info().Str("channel", string(ch)).Str("project_dir", req.ProjectDir).
		Str("environment", req.Environment).Str("operation_id", req.OperationID).
		Msg("processing request channel payload")

	if l.deps.Handler == nil {
		logger.Warn().Str("channel", string(ch)).Msg("no handler configured, dropping request")
		return
	}
	if err := l.deps.Handler.Handle(opCtx, ch, req); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Str("operation_id", req.OperationID).Msg("operation cancelled")
			return
		}
		logger.Error().Err(err).Str("channel", string(ch)).Str("operation_id", req.OperationID).Msg("request handling failed")
	}
}

func (l *Loop) noteRequestArrived() {
	l.mu.Lock()
	l.lastRequestAt = l.clock()
	l.mu.Unlock()
}

// pollSignals processes shutdown.signal and clear_stale_locks.signal.
func (l *Loop) pollSignals(ctx context.Context, requestShutdown func(string)) {
	logger := log.WithComponent("mainloop")

	if path := filepath.Join(l.signalDir, "clear_stale_locks.signal"); fileExists(path) {
		_ = os.Remove(path)
		n := l.deps.Locks.ForceReleaseStaleLocks(l.cfg.JanitorStaleFloor)
		logger.Info().Int("count", n).Msg("clear_stale_locks.signal honored")
	}

	shutdownPath := filepath.Join(l.signalDir, "shutdown.signal")
	if fileExists(shutdownPath) {
		if l.deps.Status.GetOperationInProgress() {
			logger.Warn().Msg("shutdown.signal present but an operation is in progress, refusing")
			return
		}
		_ = os.Remove(shutdownPath)
		requestShutdown("shutdown.signal")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// sweepOrphans kills process groups tracked for clients that are no longer
// registered.
func (l *Loop) sweepOrphans() {
	alive := make(map[string]struct{})
	for _, sess := range l.deps.Clients.ListClients() {
		alive[sess.ClientID] = struct{}{}
	}
	killed := l.deps.Tracker.SweepOrphans(alive, 2*time.Second, 5*time.Second)
	if len(killed) > 0 {
		log.WithComponent("mainloop").Warn().Ints("pids", killed).Msg("swept orphaned process groups")
	}
}

// sweepDeadClients forwards the client registry's liveness sweep into
// cascade cleanup and, if a server is wired, closes the dead socket too.
func (l *Loop) sweepDeadClients(ctx context.Context) {
	dead := l.deps.Clients.CleanupDeadClients()
	for _, id := range dead {
		cascade.Cleanup(ctx, l.deps.Cascade, id, "dead_sweep")
		if l.deps.Server != nil {
			l.deps.Server.ForceDisconnect(id, "dead_sweep")
		}
	}
}

func (l *Loop) sweepStaleLocks() {
	n := l.deps.Locks.ForceReleaseStaleLocks(l.cfg.JanitorStaleFloor)
	if n > 0 {
		log.WithComponent("mainloop").Info().Int("count", n).Msg("janitor force-released stale locks")
	}
}

// sweepStaleCancelSignals handles cancel_<operation_id>.signal files: if the
// operation is still running it is cancelled and its file removed at once,
// whatever the file's age; otherwise the file is removed only once it is
// older than CancelSignalMaxAge.
func (l *Loop) sweepStaleCancelSignals() {
	entries, err := os.ReadDir(l.signalDir)
	if err != nil {
		return
	}
	now := l.clock()
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, "cancel_") || !strings.HasSuffix(name, ".signal") {
			continue
		}
		opID := strings.TrimSuffix(strings.TrimPrefix(name, "cancel_"), ".signal")
		path := filepath.Join(l.signalDir, name)

		info, err := ent.Info()
		if err != nil {
			continue
		}
		l.opsMu.Lock()
		cancel, running := l.ops[opID]
		l.opsMu.Unlock()
		if running {
			cancel()
			_ = os.Remove(path)
			continue
		}
		if now.Sub(info.ModTime()) > l.cfg.CancelSignalMaxAge {
			_ = os.Remove(path)
		}
	}
}

// evaluateSelfEviction implements spec.md §4.8: exit once client_count=0
// and no operation is in progress continuously for at least
// SelfEvictionGrace. Any client, or any operation starting, resets the
// timer.
func (l *Loop) evaluateSelfEviction(requestShutdown func(string)) bool {
	idle := l.deps.Clients.GetClientCount() == 0 && !l.deps.Status.GetOperationInProgress()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !idle {
		l.idleSince = l.clock()
		return false
	}
	if l.clock().Sub(l.idleSince) >= l.cfg.SelfEvictionGrace {
		requestShutdown("self_eviction")
		return true
	}
	return false
}

func (l *Loop) evaluateIdleTimeout(requestShutdown func(string)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clock().Sub(l.lastRequestAt) >= l.cfg.IdleShutdownTimeout {
		requestShutdown("idle_timeout")
		return true
	}
	return false
}

// WriteRequest is a test/dev helper that atomically deposits a request
// payload the way an external client would, via temp-file-then-rename.
func WriteRequest(dir string, ch Channel, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, ch.filename()), data, 0o644)
}
