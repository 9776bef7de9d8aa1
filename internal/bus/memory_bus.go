// Copyright (c) 2026 The fbuildd Authors
// Licensed under the Apache License, Version 2.0; see LICENSE for details.

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fbuildd/fbuildd/internal/log"
	"github.com/fbuildd/fbuildd/internal/metrics"
)

// MemoryBus is the in-process pub/sub used by the daemon server to fan
// manager state changes out to subscribed client connections. Publishing
// never blocks past the caller's context: when a slow or dead subscriber's
// buffered channel is full, Publish waits for room until the context is
// done and then gives up on that event for that subscriber and every
// subscriber after it.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Event
}

const (
	subscriberBuffer = 64
	dropLogEvery     = 100
)

var dropCount atomic.Uint64

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[Topic][]chan Event)}
}

func publishDropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

// Publish fans the event out to every current subscriber of topic, in
// subscription order. A subscriber whose channel is full blocks the send
// until ctx is done; Publish then returns the context's error and the
// remaining subscribers do not receive this event. With a context that is
// never done, a full subscriber blocks Publish indefinitely.
// Subscribe-side buffering absorbs normal bursts (preemption
// notifications, serial output).
func (b *MemoryBus) Publish(ctx context.Context, topic Topic, event Event) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	b.mu.RLock()
	chs := append([]chan Event(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- event:
		case <-ctx.Done():
			reason := publishDropReason(ctx.Err())
			metrics.IncBusDroppedReason(string(topic), reason)
			count := dropCount.Add(1)
			if count%dropLogEvery == 0 {
				log.L().Warn().
					Str("topic", string(topic)).
					Str("reason", reason).
					Uint64("dropped", count).
					Msg("bus failed to publish due to context cancellation")
			}
			return fmt.Errorf("publish topic %q: %w", topic, ctx.Err())
		}
	}
	return nil
}

// Subscribe registers a new subscriber for topic. The returned Subscriber's
// channel is closed when Close is called.
func (b *MemoryBus) Subscribe(ctx context.Context, topic Topic) (Subscriber, error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &memSub{b: b, topic: topic, ch: ch}, nil
}

type memSub struct {
	b     *MemoryBus
	topic Topic
	ch    chan Event
}

func (s *memSub) C() <-chan Event {
	return s.ch
}

func (s *memSub) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	lst := s.b.subs[s.topic]
	out := lst[:0]
	for _, c := range lst {
		if c != s.ch {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(s.b.subs, s.topic)
	} else {
		s.b.subs[s.topic] = out
	}
	close(s.ch)
	return nil
}

var _ Bus = (*MemoryBus)(nil)
