// Package ringbuffer provides a fixed-capacity FIFO that evicts its oldest
// entry when full. It backs the outbound command buffer, the inbound
// message history and the sensor error log.
//
// A Ring is not safe for concurrent use; owners guard it with their own lock.
package ringbuffer

// Ring holds at most Cap() values in insertion order.
type Ring[T any] struct {
	data  []T
	head  int // index of the oldest value
	size  int
	evict uint64
}

// New returns an empty ring. Capacity below 1 is raised to 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{data: make([]T, capacity)}
}

func (r *Ring[T]) Len() int { return r.size }

func (r *Ring[T]) Cap() int { return len(r.data) }

// Evictions counts values pushed out by Push since creation.
func (r *Ring[T]) Evictions() uint64 { return r.evict }

// Push appends v. When the ring is full the oldest value is dropped and
// returned with ok=true.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if r.size == len(r.data) {
		evicted = r.data[r.head]
		r.data[r.head] = v
		r.head = (r.head + 1) % len(r.data)
		r.evict++
		return evicted, true
	}
	r.data[(r.head+r.size)%len(r.data)] = v
	r.size++
	return evicted, false
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.data[(r.head+i)%len(r.data)]
	}
	return out
}

// Newest returns up to n values, newest first. n <= 0 means all.
func (r *Ring[T]) Newest(n int) []T {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.data[(r.head+r.size-1-i)%len(r.data)]
	}
	return out
}

// Drain returns the contents oldest first and empties the ring.
func (r *Ring[T]) Drain() []T {
	out := r.Items()
	r.Clear()
	return out
}

// Clear drops every value. The eviction counter is kept.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head, r.size = 0, 0
}

// Retain keeps only the values for which keep returns true, preserving
// order, and reports how many were removed.
func (r *Ring[T]) Retain(keep func(T) bool) int {
	items := r.Items()
	r.Clear()
	removed := 0
	for _, v := range items {
		if keep(v) {
			r.Push(v)
		} else {
			removed++
		}
	}
	return removed
}
