package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xonecas/townmind/internal/constants"
)

type subscription struct {
	ch    chan Event
	types map[EventType]bool // nil receives everything
}

func (s *subscription) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// EventBus fans events out to subscribers. Slow subscribers lose events
// rather than stall the publisher.
type EventBus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	closed     bool
	dropped    atomic.Int64
}

// NewEventBus creates a bus whose subscriber channels hold at least
// bufferSize events.
func NewEventBus(bufferSize int) *EventBus {
	return &EventBus{bufferSize: max(bufferSize, constants.MinEventBusBufferSize)}
}

// Subscribe returns a channel receiving the given event types, or every
// event when none are given. The channel is closed by Unsubscribe or Close.
func (b *EventBus) Subscribe(types ...EventType) <-chan Event {
	sub := &subscription{ch: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Unsubscribe closes and removes ch.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.ch == ch {
			close(sub.ch)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every interested subscriber without blocking.
// A zero Timestamp is set to now.
func (b *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishBlocking is like Publish but waits for buffer space, sharing one
// timeout across all subscribers. It reports whether every interested
// subscriber got the event.
func (b *EventBus) PublishBlocking(event Event, timeout time.Duration) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for i, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		case <-timer.C:
			for _, rest := range b.subs[i:] {
				if rest.wants(event.Type) {
					b.dropped.Add(1)
				}
			}
			return false
		}
	}
	return true
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
