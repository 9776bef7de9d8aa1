// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversToSubscriber(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), TopicLocks)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, b.Publish(context.Background(), TopicLocks, Event{Type: "lock.acquired"}))

	select {
	case ev := <-sub.C():
		require.Equal(t, "lock.acquired", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBusPublishContextTimeoutOnFullSubscriber(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), TopicDevices)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	for i := 0; i < cap(sub.C()); i++ {
		require.NoError(t, b.Publish(context.Background(), TopicDevices, Event{Type: "fill"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Publish(ctx, TopicDevices, Event{Type: "blocked"})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBusPublishRejectsNilContext(t *testing.T) {
	b := NewMemoryBus()
	err := b.Publish(nil, TopicStatus, Event{Type: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "context is nil")
}

func TestMemoryBusCloseRemovesSubscriber(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), TopicSerial)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	b.mu.RLock()
	_, exists := b.subs[TopicSerial]
	b.mu.RUnlock()
	require.False(t, exists)
}

func TestEventMatchesFilterKey(t *testing.T) {
	ev := Event{Topic: TopicSerial, Type: "serial.output", FilterKey: "/dev/ttyUSB0"}
	require.True(t, ev.Matches(""))
	require.True(t, ev.Matches("/dev/ttyUSB0"))
	require.False(t, ev.Matches("/dev/ttyUSB1"))
}
