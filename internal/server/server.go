// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package server implements the Daemon Server (C7): the TCP/Unix-socket
// front door that accepts client connections, dispatches their framed JSON
// messages to the C1-C6 managers, and fans broadcast bus events back out to
// subscribers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/fbuildd/fbuildd/internal/bus"
	"github.com/fbuildd/fbuildd/internal/cascade"
	"github.com/fbuildd/fbuildd/internal/clients"
	"github.com/fbuildd/fbuildd/internal/config"
	"github.com/fbuildd/fbuildd/internal/devices"
	"github.com/fbuildd/fbuildd/internal/firmware"
	"github.com/fbuildd/fbuildd/internal/locks"
	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/serial"
	"github.com/fbuildd/fbuildd/internal/status"
	"github.com/google/uuid"
)

// Deps bundles the C1-C6 managers the router dispatches into. All fields
// are required; New panics if any is nil, since a half-wired server would
// fail confusingly later instead of loudly at startup.
type Deps struct {
	Clients  *clients.Registry
	Locks    *locks.Manager
	Devices  *devices.Manager
	Serial   *serial.Manager
	Firmware *firmware.Ledger
	Status   *status.Manager
	Bus      bus.Bus
}

func (d Deps) cascadeDeps() cascade.Deps {
	return cascade.Deps{Locks: d.Locks, Devices: d.Devices, Serial: d.Serial, Bus: d.Bus}
}

type handlerFunc func(ctx context.Context, s *Server, c *connection, requestID string, data json.RawMessage) (any, error)

// Server owns every accepted connection and the dispatch table that routes
// its messages. The zero value is not usable; construct with New.
type Server struct {
	cfg  *config.DaemonConfig
	deps Deps

	handlers map[MessageType]handlerFunc

	listenersMu sync.Mutex
	listeners   []net.Listener

	connMu sync.RWMutex
	conns  map[string]*connection

	wg sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New builds a Server ready to Start. cfg and every Deps field must be
// non-nil.
func New(cfg *config.DaemonConfig, deps Deps) *Server {
	if cfg == nil {
		panic("server.New: cfg is nil")
	}
	if deps.Clients == nil || deps.Locks == nil || deps.Devices == nil || deps.Serial == nil ||
		deps.Firmware == nil || deps.Status == nil || deps.Bus == nil {
		panic("server.New: Deps has a nil field")
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		conns:    make(map[string]*connection),
		shutdown: make(chan struct{}),
	}
	s.handlers = s.buildHandlerTable()
	return s
}

// Start opens the configured listeners and begins accepting connections. It
// returns once every listener is bound; accept loops and the broadcast pump
// run in background goroutines tracked by s.wg.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddr, s.cfg.ListenPort)
	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	s.addListener(tcp)
	log.WithComponent("server").Info().Str("addr", addr).Msg("listening for clients")

	if s.cfg.UnixSocketPath != "" {
		ul, err := listenUnix(s.cfg.UnixSocketPath)
		if err != nil {
			return fmt.Errorf("listen unix %s: %w", s.cfg.UnixSocketPath, err)
		}
		s.addListener(ul)
		log.WithComponent("server").Info().Str("path", s.cfg.UnixSocketPath).Msg("listening on unix socket")
	}

	s.listenersMu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range listeners {
		s.wg.Add(1)
		go s.acceptLoop(ctx, l)
	}

	s.wg.Add(1)
	go s.runBroadcastPump(ctx)

	return nil
}

func (s *Server) addListener(l net.Listener) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenersMu.Unlock()
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.WithComponent("server").Warn().Err(err).Msg("accept error")
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn owns one accepted socket end to end: it assigns the client its
// id, runs the synchronous read loop (spec.md §5's per-client FIFO), and
// cascades cleanup once the connection ends for any reason.
func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	defer s.wg.Done()

	id := uuid.New().String()
	c := newConnection(id, netConn, s)

	s.connMu.Lock()
	s.conns[id] = c
	s.connMu.Unlock()

	logger := log.WithComponent("server")
	logger.Info().Str(log.FieldClientID, id).Str("peer_addr", netConn.RemoteAddr().String()).Msg("connection accepted")

	s.readLoop(ctx, c)

	s.connMu.Lock()
	delete(s.conns, id)
	s.connMu.Unlock()
	c.close()

	registered := s.deps.Clients.Unregister(id)
	if registered {
		cascade.Cleanup(context.Background(), s.deps.cascadeDeps(), id, "transport_error")
		_ = s.deps.Status.SetClientCount(s.deps.Clients.GetClientCount())
		s.publishStatus(ctx, "client_disconnected", id)
	}
	logger.Info().Str(log.FieldClientID, id).Msg("connection closed")
}

func (s *Server) readLoop(ctx context.Context, c *connection) {
	scanner := newFramer(c.conn)
	for scanner.Scan() {
		select {
		case <-c.closed:
			return
		default:
		}

		var env inboundEnvelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			c.sendError("", fmt.Sprintf("malformed message: %v", err))
			continue
		}

		handler, ok := s.handlers[MessageType(env.Type)]
		if !ok {
			c.sendError(env.RequestID, fmt.Sprintf("unknown message type %q", env.Type))
			continue
		}

		resp, err := handler(ctx, s, c, env.RequestID, env.Data)
		if err != nil {
			c.sendError(env.RequestID, err.Error())
			continue
		}
		if resp != nil {
			_ = c.send(msgResponse, env.RequestID, resp)
		}

		if MessageType(env.Type) == msgDisconnect {
			return
		}
	}
}

// Shutdown closes every listener and connection and waits for their
// goroutines to exit, or ctx's deadline, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		s.listenersMu.Lock()
		for _, l := range s.listeners {
			_ = l.Close()
		}
		s.listenersMu.Unlock()

		s.connMu.RLock()
		conns := make([]*connection, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.connMu.RUnlock()
		for _, c := range conns {
			c.close()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount exposes the number of live connections. The main loop's
// self-eviction predicate uses the client registry's count, not this one.
func (s *Server) ClientCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.conns)
}

// ForceDisconnect closes clientID's connection if still open — used by the
// main loop's dead-client sweep (loop.ConnectionSweeper) when the registry
// declares a client dead while its socket is still technically open.
func (s *Server) ForceDisconnect(clientID, reason string) {
	s.connMu.RLock()
	c, ok := s.conns[clientID]
	s.connMu.RUnlock()
	if !ok {
		return
	}
	log.WithComponent("server").Info().Str(log.FieldClientID, clientID).Str("reason", reason).Msg("force-disconnecting client")
	c.close()
}

// runBroadcastPump subscribes to every bus topic once and fans each event
// out to whichever connections are subscribed to it, honoring per-client
// filter keys. Sends run in their own goroutine so one slow subscriber can
// never delay delivery to the others (spec.md §5: broadcast fan-out holds
// the connection table lock only to enumerate, not to send).
func (s *Server) runBroadcastPump(ctx context.Context) {
	defer s.wg.Done()

	topics := []bus.Topic{bus.TopicLocks, bus.TopicFirmware, bus.TopicSerial, bus.TopicDevices, bus.TopicStatus}
	for _, topic := range topics {
		sub, err := s.deps.Bus.Subscribe(ctx, topic)
		if err != nil {
			log.WithComponent("server").Error().Err(err).Str("topic", string(topic)).Msg("failed to subscribe to bus topic")
			continue
		}
		s.wg.Add(1)
		go s.pumpTopic(ctx, topic, sub)
	}
}

func (s *Server) pumpTopic(ctx context.Context, topic bus.Topic, sub bus.Subscriber) {
	defer s.wg.Done()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			s.broadcastToSubscribers(ev)
		}
	}
}

func (s *Server) broadcastToSubscribers(ev bus.Event) {
	s.connMu.RLock()
	recipients := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		if c.subscribed(string(ev.Topic), ev.FilterKey) {
			recipients = append(recipients, c)
		}
	}
	s.connMu.RUnlock()

	payload := map[string]any{
		"event_type": ev.Topic,
		"type":       ev.Type,
		"filter_key": ev.FilterKey,
		"data":       ev.Data,
	}
	for _, c := range recipients {
		go func(c *connection) {
			if err := c.send(msgBroadcast, "", payload); err != nil {
				log.WithComponent("server").Debug().Err(err).Str(log.FieldClientID, c.id).Msg("broadcast delivery failed")
			}
		}(c)
	}
}

func (s *Server) publishStatus(ctx context.Context, eventType, filterKey string) {
	_ = s.deps.Bus.Publish(ctx, bus.TopicStatus, bus.Event{
		Topic: bus.TopicStatus, Type: eventType, FilterKey: filterKey,
		Data: map[string]any{"client_count": s.deps.Clients.GetClientCount()},
	})
}

// Notify implements devices.Notifier: it delivers a preemption notice
// directly to the losing client's own connection, bypassing the broadcast
// bus entirely (spec.md §4.4 — this message must reach exactly one client).
func (s *Server) Notify(ctx context.Context, clientID string, notice devices.PreemptionNotice) error {
	s.connMu.RLock()
	c, ok := s.conns[clientID]
	s.connMu.RUnlock()
	if !ok {
		return fmt.Errorf("client %q not connected", clientID)
	}
	return c.send(msgBroadcast, "", map[string]any{
		"event_type":   "device_preemption",
		"device_id":    notice.DeviceID,
		"preempted_by": notice.PreemptedBy,
		"reason":       notice.Reason,
	})
}
