// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxMessageBytes = 1 << 20 // 1 MiB, spec.md §6 "bounded read buffer"
	scannerInitial  = 64 * 1024
)

// connection is one accepted client socket. Every inbound message from this
// connection is processed synchronously in readLoop, giving spec.md §5's
// strict per-client FIFO guarantee for free; a blocking manager call (e.g. a
// lock acquire with a timeout) simply delays that one client's next read,
// never another client's.
type connection struct {
	id     string
	conn   net.Conn
	server *Server

	writeMu sync.Mutex
	limiter *rate.Limiter

	subsMu sync.Mutex
	subs   map[string]map[string]bool // event type -> set of filter keys ("" = unfiltered)

	meta connectData

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id string, conn net.Conn, srv *Server) *connection {
	limit := rate.Limit(srv.cfg.OutboundRateLimit)
	if srv.cfg.OutboundRateLimit <= 0 {
		limit = rate.Inf
	}
	return &connection{
		id:           id,
		conn:         conn,
		server:       srv,
		limiter:      rate.NewLimiter(limit, srv.cfg.OutboundBurst),
		subs:         make(map[string]map[string]bool),
		closed:       make(chan struct{}),
	}
}

// subscribed reports whether this connection wants eventType events
// matching filterKey, honoring the ALL wildcard subscription.
func (c *connection) subscribed(eventType, filterKey string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for _, et := range []string{"ALL", eventType} {
		keys, ok := c.subs[et]
		if !ok {
			continue
		}
		if keys[""] {
			return true
		}
		if filterKey != "" && keys[filterKey] {
			return true
		}
	}
	return false
}

func (c *connection) addSubscription(eventType, filterKey string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subs[eventType] == nil {
		c.subs[eventType] = make(map[string]bool)
	}
	c.subs[eventType][filterKey] = true
}

func (c *connection) removeSubscription(eventType, filterKey string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if set, ok := c.subs[eventType]; ok {
		delete(set, filterKey)
		if len(set) == 0 {
			delete(c.subs, eventType)
		}
	}
}

// send writes one framed JSON message to the client. Each connection's own
// outbound rate limiter paces broadcast-heavy clients (serial firehoses,
// verbose subscribers) without throttling request/response traffic for
// everyone else.
func (c *connection) send(msgType MessageType, requestID string, data any) error {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return err
	}
	env := outboundEnvelope{
		Type:      msgType,
		ClientID:  c.id,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		RequestID: requestID,
		Data:      data,
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.conn.Write(buf)
	return err
}

func (c *connection) sendError(requestID, message string) {
	_ = c.send(msgError, requestID, map[string]any{"success": false, "error": message})
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

const writeTimeout = 5 * time.Second

// newFramer builds the bounded-buffer newline-delimited JSON reader for one
// connection (spec.md §6 framing). Liveness is enforced out-of-band by the
// heartbeat sweep, not by a read deadline here, so a quiet-but-alive client
// attached only as a SUBSCRIBE listener is never punished for not writing.
func newFramer(conn net.Conn) *bufio.Scanner {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitial), maxMessageBytes)
	return scanner
}
