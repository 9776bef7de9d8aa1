// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

// Package serial implements the Shared Serial Manager (C5): multiplexed
// access to OS serial ports — many readers with broadcast, at-most-one
// writer, a per-port rolling output buffer.
package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fbuildd/fbuildd/internal/bus"
	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/metrics"
)

// ErrPortBusy is a typed error for closing a port with active readers or a
// held writer — a true invariant violation, not expected contention
// (spec.md §4.5: "violation raises an error").
var ErrPortBusy = errors.New("port has active readers or writer")

// PortIO is the pluggable collaborator that actually opens an OS serial
// handle; out of scope per spec.md §1 (real hardware transport).
type PortIO interface {
	Open(ctx context.Context, port string, baud int) (io.ReadWriteCloser, error)
}

// ringBuffer is a bounded FIFO of lines, the "reasonable choice" spec.md §9
// leaves open for serial-buffer eviction policy.
type ringBuffer struct {
	lines    []string
	maxLines int
}

func newRingBuffer(maxLines int) *ringBuffer {
	if maxLines <= 0 {
		maxLines = 4096
	}
	return &ringBuffer{maxLines: maxLines}
}

func (r *ringBuffer) push(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > r.maxLines {
		r.lines = r.lines[len(r.lines)-r.maxLines:]
	}
}

// drain returns up to maxLines lines and removes them from the buffer.
func (r *ringBuffer) drain(maxLines int) []string {
	if maxLines <= 0 || maxLines > len(r.lines) {
		maxLines = len(r.lines)
	}
	out := append([]string(nil), r.lines[:maxLines]...)
	r.lines = r.lines[maxLines:]
	return out
}

// Session is one open serial port's bookkeeping.
type Session struct {
	mu   sync.Mutex
	cond *sync.Cond

	port      string
	baud      int
	handle    io.ReadWriteCloser
	readers   map[string]struct{}
	writer    string
	buffer    *ringBuffer
	createdAt time.Time
	closeOnEmpty bool

	cancelReader context.CancelFunc
}

// Info is the introspection snapshot returned by GetSessionInfo.
type Info struct {
	Port        string
	Baud        int
	ReaderCount int
	Writer      string
	CreatedAt   time.Time
}

func (s *Session) info() Info {
	return Info{
		Port:        s.port,
		Baud:        s.baud,
		ReaderCount: len(s.readers),
		Writer:      s.writer,
		CreatedAt:   s.createdAt,
	}
}

// Manager owns every open SerialSession, keyed by port name.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	portio         PortIO
	bus            bus.Bus
	bufferMaxLines int
	clock          func() time.Time
}

// New builds a serial manager. bufferMaxLines bounds each port's rolling
// output buffer (spec.md default 4096 lines, see config.DaemonConfig).
func New(portio PortIO, b bus.Bus, bufferMaxLines int) *Manager {
	return &Manager{
		sessions:       make(map[string]*Session),
		portio:         portio,
		bus:            b,
		bufferMaxLines: bufferMaxLines,
		clock:          time.Now,
	}
}

// OpenPort opens port if no session for it exists yet (first opener owns
// the physical handle); subsequent opens by other clients attach without
// reopening. Returns false only on a real open failure.
func (m *Manager) OpenPort(ctx context.Context, port string, baud int, clientID string) bool {
	m.mu.Lock()
	if sess, ok := m.sessions[port]; ok {
		m.mu.Unlock()
		sess.mu.Lock()
		sess.readers[clientID] = struct{}{}
		sess.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	handle, err := m.portio.Open(ctx, port, baud)
	if err != nil {
		log.WithComponent("serial").Warn().Str(log.FieldPort, port).Err(err).Msg("failed to open serial port")
		return false
	}

	sess := &Session{
		port:         port,
		baud:         baud,
		handle:       handle,
		readers:      map[string]struct{}{clientID: {}},
		buffer:       newRingBuffer(m.bufferMaxLines),
		createdAt:    m.clock(),
		closeOnEmpty: true,
	}
	sess.cond = sync.NewCond(&sess.mu)

	readerCtx, cancel := context.WithCancel(context.Background())
	sess.cancelReader = cancel

	m.mu.Lock()
	m.sessions[port] = sess
	m.mu.Unlock()

	metrics.SerialSessionsOpen.Inc()
	go m.pumpReader(readerCtx, sess)

	log.WithComponent("serial").Info().
		Str(log.FieldPort, port).
		Int("baud", baud).
		Str(log.FieldClientID, clientID).
		Str("event", "serial.opened").
		Msg("serial port opened")
	return true
}

// pumpReader is the one-goroutine-per-open-port background I/O loop:
// blocks on the OS handle, pushing each line it reads into the session
// buffer and publishing a SERIAL broadcast — it never holds the manager
// lock while blocked on I/O (spec.md §5).
func (m *Manager) pumpReader(ctx context.Context, sess *Session) {
	scanner := bufio.NewScanner(sess.handle)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.BroadcastOutput(sess.port, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			// The session was closed on purpose; closeSession already tidied up.
			return
		}
		log.WithComponent("serial").Warn().Str(log.FieldPort, sess.port).Err(err).Msg("serial read loop ended with error")
		m.closeOnIOError(sess)
	}
}

func (m *Manager) closeOnIOError(sess *Session) {
	sess.mu.Lock()
	readers := make([]string, 0, len(sess.readers))
	for r := range sess.readers {
		readers = append(readers, r)
	}
	sess.readers = make(map[string]struct{})
	sess.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, sess.port)
	m.mu.Unlock()
	metrics.SerialSessionsOpen.Dec()

	if m.bus != nil {
		_ = m.bus.Publish(context.Background(), bus.TopicSerial, bus.Event{
			Topic:     bus.TopicSerial,
			Type:      "serial_io_error",
			FilterKey: sess.port,
			Data:      map[string]any{"port": sess.port, "detached_readers": readers},
		})
	}
}

// AttachReader adds clientID to port's reader set. Idempotent: repeated
// attaches yield a reader-set of size 1 for that client.
func (m *Manager) AttachReader(port, clientID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[port]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	sess.readers[clientID] = struct{}{}
	sess.mu.Unlock()
	return true
}

// DetachReader removes clientID from port's reader set. When the last
// reader detaches (and the session is so configured), the port is closed
// and the session destroyed. A repeated detach after the first is a no-op
// returning false.
func (m *Manager) DetachReader(port, clientID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[port]
	m.mu.Unlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	if _, present := sess.readers[clientID]; !present {
		sess.mu.Unlock()
		return false
	}
	delete(sess.readers, clientID)
	empty := len(sess.readers) == 0 && sess.writer == "" && sess.closeOnEmpty
	sess.mu.Unlock()

	if empty {
		m.closeSession(port)
	}
	return true
}

func (m *Manager) closeSession(port string) {
	m.mu.Lock()
	sess, ok := m.sessions[port]
	if ok {
		delete(m.sessions, port)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	sess.cancelReader()
	_ = sess.handle.Close()
	metrics.SerialSessionsOpen.Dec()
	log.WithComponent("serial").Info().Str(log.FieldPort, port).Str("event", "serial.closed").Msg("serial port closed")
}

// AcquireWriter blocks up to timeout trying to become port's sole writer.
// A timeout of 0 is non-blocking: it returns immediately.
func (m *Manager) AcquireWriter(port, clientID string, timeout time.Duration) bool {
	m.mu.Lock()
	sess, ok := m.sessions[port]
	m.mu.Unlock()
	if !ok {
		return false
	}

	deadline := m.clock().Add(timeout)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	for sess.writer != "" && sess.writer != clientID {
		remaining := deadline.Sub(m.clock())
		if remaining <= 0 {
			return false
		}
		waitOnCond(sess.cond, remaining)
	}
	sess.writer = clientID
	return true
}

// ReleaseWriter releases the writer slot if clientID currently holds it.
func (m *Manager) ReleaseWriter(port, clientID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[port]
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.writer != clientID {
		return false
	}
	sess.writer = ""
	sess.cond.Broadcast()
	return true
}

// Write requires the caller to currently hold port's writer slot; returns
// bytes written, or -1 if the caller is not the writer or the write fails.
func (m *Manager) Write(port, clientID string, data []byte) int {
	m.mu.Lock()
	sess, ok := m.sessions[port]
	m.mu.Unlock()
	if !ok {
		return -1
	}

	sess.mu.Lock()
	isWriter := sess.writer == clientID
	handle := sess.handle
	sess.mu.Unlock()
	if !isWriter {
		return -1
	}

	n, err := handle.Write(data)
	if err != nil {
		log.WithComponent("serial").Warn().Str(log.FieldPort, port).Err(err).Msg("serial write failed")
		return -1
	}
	metrics.SerialBytesWrittenTotal.Add(float64(n))
	return n
}

// ReadBuffer drains up to maxLines lines from port's rolling buffer.
func (m *Manager) ReadBuffer(port string, maxLines int) []string {
	m.mu.Lock()
	sess, ok := m.sessions[port]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.buffer.drain(maxLines)
}

// BroadcastOutput is called by the background reader goroutine (or tests)
// with data arriving from the device: appended to the session buffer and
// published as a SERIAL broadcast so every subscribed reader observes it in
// reception order.
func (m *Manager) BroadcastOutput(port string, data []byte) {
	m.mu.Lock()
	sess, ok := m.sessions[port]
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	sess.buffer.push(string(data))
	sess.mu.Unlock()

	if m.bus != nil {
		_ = m.bus.Publish(context.Background(), bus.TopicSerial, bus.Event{
			Topic:     bus.TopicSerial,
			Type:      "serial.output",
			FilterKey: port,
			Data:      map[string]any{"port": port, "line": string(data)},
		})
	}
}

// DisconnectClient cascades a client's death into every session: removed
// from every reader set, and its writer slot released if held.
func (m *Manager) DisconnectClient(clientID string) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		_, wasReader := sess.readers[clientID]
		delete(sess.readers, clientID)
		if sess.writer == clientID {
			sess.writer = ""
			sess.cond.Broadcast()
		}
		empty := len(sess.readers) == 0 && sess.writer == "" && sess.closeOnEmpty
		port := sess.port
		sess.mu.Unlock()

		if wasReader && empty {
			m.closeSession(port)
		}
	}
}

// GetSessionInfo returns introspection for one port, or false if no session
// is currently open on it.
func (m *Manager) GetSessionInfo(port string) (Info, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[port]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.info(), true
}

// GetAllSessions returns introspection for every currently open session.
func (m *Manager) GetAllSessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sess.mu.Lock()
		out = append(out, sess.info())
		sess.mu.Unlock()
	}
	return out
}

// CloseAll closes every session that has no readers and no writer. A busy
// session stays open, and the first one found is reported as ErrPortBusy.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	ports := make([]string, 0, len(m.sessions))
	for p := range m.sessions {
		ports = append(ports, p)
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range ports {
		m.mu.Lock()
		sess, ok := m.sessions[p]
		m.mu.Unlock()
		if !ok {
			continue
		}
		sess.mu.Lock()
		busy := len(sess.readers) > 0 || sess.writer != ""
		sess.mu.Unlock()
		if busy {
			if firstErr == nil {
				firstErr = fmt.Errorf("close port %q: %w", p, ErrPortBusy)
			}
			continue
		}
		m.closeSession(p)
	}
	return firstErr
}

func waitOnCond(cond *sync.Cond, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
