// Package broadcast provides a typed fan-out topic used for every livesite
// subscription.
package broadcast

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Topic fans values out to subscribers in publish order. Publish never
// blocks: a subscriber whose buffer is full misses the value and the
// drop is counted.
type Topic[T any] struct {
	mu          sync.RWMutex
	subscribers map[chan T]struct{}
	buffer      int
	closed      bool
	dropped     atomic.Int64
}

// NewTopic creates a topic with the given per-subscriber buffer.
// A buffer <= 0 uses DefaultBuffer.
func NewTopic[T any](buffer int) *Topic[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Topic[T]{
		subscribers: make(map[chan T]struct{}),
		buffer:      buffer,
	}
}

// Subscribe returns a receive channel and a cancel func that unsubscribes
// and closes the channel. Subscribing to a closed topic returns a closed
// channel.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, t.buffer)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { t.unsubscribe(ch) })
	}
}

func (t *Topic[T]) unsubscribe(ch chan T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[ch]; ok {
		delete(t.subscribers, ch)
		close(ch)
	}
}

// Publish delivers v to every subscriber that has room.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ch := range t.subscribers {
		select {
		case ch <- v:
		default:
			t.dropped.Add(1)
		}
	}
}

// Count returns the current number of subscribers.
func (t *Topic[T]) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (t *Topic[T]) Dropped() int64 {
	return t.dropped.Load()
}

// Close unsubscribes everyone. Later publishes are no-ops.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for ch := range t.subscribers {
		delete(t.subscribers, ch)
		close(ch)
	}
}
