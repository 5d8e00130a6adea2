// Package queue provides a bounded FIFO queue that never blocks producers:
// when the queue is full, the oldest element is evicted to make room.
//
// It backs the outbound chunk buffer of a transcription session, where
// fresh audio is worth more than stale audio and the capture clock must never
// wait on the network.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop once the queue is closed and empty.
var ErrClosed = errors.New("queue: closed")

// DropOldest is a bounded FIFO queue safe for concurrent use by any number of
// producers and a single consumer.
type DropOldest[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	closed  bool
	dropped uint64

	// notify has capacity 1; a pending token means "state changed".
	notify chan struct{}
}

// New creates a queue holding at most capacity elements. capacity must be
// positive.
func New[T any](capacity int) *DropOldest[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}
	return &DropOldest[T]{
		items:  make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends item. If the queue is full the oldest element is removed and
// returned with evicted=true. Pushing to a closed queue is a no-op that
// reports ok=false.
func (q *DropOldest[T]) Push(item T) (evictedItem T, evicted, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return evictedItem, false, false
	}

	capacity := len(q.items)
	if q.size == capacity {
		evictedItem = q.items[q.head]
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped++
		evicted = true
	}
	q.items[(q.head+q.size)%capacity] = item
	q.size++
	q.signal()
	return evictedItem, evicted, true
}

// TryPop removes and returns the front element without blocking.
// The boolean indicates whether an element was dequeued.
func (q *DropOldest[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Pop waits for an element and removes it. It returns [ErrClosed] once the
// queue is closed and drained, or ctx.Err() if ctx ends first.
func (q *DropOldest[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		item, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()
		if ok {
			return item, nil
		}
		if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Close stops accepting new elements. Elements already queued can still be
// popped. Safe to call more than once.
func (q *DropOldest[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
}

// Len returns the number of queued elements.
func (q *DropOldest[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity.
func (q *DropOldest[T]) Cap() int { return len(q.items) }

// Dropped returns how many elements have been evicted since creation.
func (q *DropOldest[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *DropOldest[T]) popLocked() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return item, true
}

func (q *DropOldest[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
