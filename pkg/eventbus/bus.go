// Package eventbus delivers published values to subscribers in publish
// order. Publish never blocks; a single dispatcher (Run, or an explicit
// Dispatch call) hands each value to every subscriber before moving on to
// the next one.
package eventbus

import (
	"context"
	"sync"
)

type subscription[T any] struct {
	id      int
	handler func(T)
}

// Bus is an ordered, in-process fan-out queue.
type Bus[T any] struct {
	mu     sync.Mutex
	queue  []T
	subs   []subscription[T]
	nextID int
	closed bool
	wake   chan struct{}

	// dispatchMu keeps a single delivery pass running at a time, so
	// handlers never see values out of order.
	dispatchMu sync.Mutex
}

func New[T any]() *Bus[T] {
	return &Bus[T]{wake: make(chan struct{}, 1)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus[T]) Subscribe(h func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues v. It reports false once the bus is closed.
func (b *Bus[T]) Publish(v T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, v)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued, undelivered values.
func (b *Bus[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dispatch delivers everything queued, including values published by the
// handlers themselves, and returns how many values were delivered.
func (b *Bus[T]) Dispatch() int {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	n := 0
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return n
		}
		v := b.queue[0]
		var zero T
		b.queue[0] = zero
		b.queue = b.queue[1:]
		subs := make([]subscription[T], len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			s.handler(v)
		}
		n++
	}
}

// Run dispatches until ctx is done or the bus is closed.
func (b *Bus[T]) Run(ctx context.Context) {
	for {
		b.Dispatch()
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
			b.mu.Lock()
			closed := b.closed && len(b.queue) == 0
			b.mu.Unlock()
			if closed {
				return
			}
		}
	}
}

// Close rejects further publishes. Values already queued are still
// delivered by the next Dispatch.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
