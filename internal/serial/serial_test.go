// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package serial

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fbuildd/fbuildd/internal/bus"
	"github.com/stretchr/testify/require"
)

// fakePortIO hands out an in-memory net.Pipe per port so tests can push
// bytes from the "device" side without any real hardware.
type fakePortIO struct {
	mu     sync.Mutex
	device map[string]net.Conn
}

func newFakePortIO() *fakePortIO {
	return &fakePortIO{device: make(map[string]net.Conn)}
}

func (f *fakePortIO) Open(ctx context.Context, port string, baud int) (io.ReadWriteCloser, error) {
	daemonSide, deviceSide := net.Pipe()
	f.mu.Lock()
	f.device[port] = deviceSide
	f.mu.Unlock()
	return daemonSide, nil
}

func (f *fakePortIO) deviceSide(port string) net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.device[port]
}

func TestOpenPortFirstOpenerOwnsHandleSecondAttaches(t *testing.T) {
	pio := newFakePortIO()
	m := New(pio, bus.NewMemoryBus(), 16)

	require.True(t, m.OpenPort(context.Background(), "/dev/ttyUSB0", 115200, "A"))
	require.True(t, m.OpenPort(context.Background(), "/dev/ttyUSB0", 115200, "B"))

	info, ok := m.GetSessionInfo("/dev/ttyUSB0")
	require.True(t, ok)
	require.Equal(t, 2, info.ReaderCount)
}

func TestAttachDetachReaderIdempotent(t *testing.T) {
	pio := newFakePortIO()
	m := New(pio, bus.NewMemoryBus(), 16)
	require.True(t, m.OpenPort(context.Background(), "/dev/ttyUSB0", 9600, "A"))

	require.True(t, m.AttachReader("/dev/ttyUSB0", "B"))
	require.True(t, m.AttachReader("/dev/ttyUSB0", "B"))
	info, _ := m.GetSessionInfo("/dev/ttyUSB0")
	require.Equal(t, 2, info.ReaderCount)

	require.True(t, m.DetachReader("/dev/ttyUSB0", "B"))
	require.False(t, m.DetachReader("/dev/ttyUSB0", "B"))
}

func TestLastReaderDetachClosesPort(t *testing.T) {
	pio := newFakePortIO()
	m := New(pio, bus.NewMemoryBus(), 16)
	require.True(t, m.OpenPort(context.Background(), "/dev/ttyUSB0", 9600, "A"))

	require.True(t, m.DetachReader("/dev/ttyUSB0", "A"))
	_, ok := m.GetSessionInfo("/dev/ttyUSB0")
	require.False(t, ok)
}

func TestWriterSerializedAtMostOne(t *testing.T) {
	pio := newFakePortIO()
	m := New(pio, bus.NewMemoryBus(), 16)
	require.True(t, m.OpenPort(context.Background(), "/dev/ttyUSB0", 9600, "A"))

	require.True(t, m.AcquireWriter("/dev/ttyUSB0", "A", 0))
	require.False(t, m.AcquireWriter("/dev/ttyUSB0", "B", 0))
	require.True(t, m.ReleaseWriter("/dev/ttyUSB0", "A"))
	require.True(t, m.AcquireWriter("/dev/ttyUSB0", "B", time.Second))
}

func TestWriteRequiresWriterLease(t *testing.T) {
	pio := newFakePortIO()
	m := New(pio, bus.NewMemoryBus(), 16)
	require.True(t, m.OpenPort(context.Background(), "/dev/ttyUSB0", 9600, "A"))

	n := m.Write("/dev/ttyUSB0", "A", []byte("hello"))
	require.Equal(t, -1, n)

	require.True(t, m.AcquireWriter("/dev/ttyUSB0", "A", 0))
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 5)
		_, _ = io.ReadFull(pio.deviceSide("/dev/ttyUSB0"), buf)
		close(done)
	}()
	n = m.Write("/dev/ttyUSB0", "A", []byte("hello"))
	require.Equal(t, 5, n)
	<-done
}

func TestBroadcastOutputReachesSubscriberAndBuffer(t *testing.T) {
	pio := newFakePortIO()
	b := bus.NewMemoryBus()
	m := New(pio, b, 16)
	require.True(t, m.OpenPort(context.Background(), "/dev/ttyUSB0", 9600, "A"))

	sub, err := b.Subscribe(context.Background(), bus.TopicSerial)
	require.NoError(t, err)
	defer sub.Close()

	m.BroadcastOutput("/dev/ttyUSB0", []byte("boot complete"))

	select {
	case evt := <-sub.C():
		require.Equal(t, "/dev/ttyUSB0", evt.FilterKey)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for serial broadcast")
	}

	lines := m.ReadBuffer("/dev/ttyUSB0", 10)
	require.Equal(t, []string{"boot complete"}, lines)
}

func TestDisconnectClientCascadesReaderAndWriter(t *testing.T) {
	pio := newFakePortIO()
	m := New(pio, bus.NewMemoryBus(), 16)
	require.True(t, m.OpenPort(context.Background(), "/dev/ttyUSB0", 9600, "A"))
	require.True(t, m.AcquireWriter("/dev/ttyUSB0", "A", 0))

	m.DisconnectClient("A")

	_, ok := m.GetSessionInfo("/dev/ttyUSB0")
	require.False(t, ok)
}

func TestRapidAttachDetachCyclesStillAllowsNewOpen(t *testing.T) {
	pio := newFakePortIO()
	m := New(pio, bus.NewMemoryBus(), 16)

	for i := 0; i < 10; i++ {
		require.True(t, m.OpenPort(context.Background(), "/dev/ttyUSB0", 9600, "cycler"))
		require.True(t, m.DetachReader("/dev/ttyUSB0", "cycler"))
	}
	require.True(t, m.OpenPort(context.Background(), "/dev/ttyUSB0", 9600, "new-client"))
	_, ok := m.GetSessionInfo("/dev/ttyUSB0")
	require.True(t, ok)
}
