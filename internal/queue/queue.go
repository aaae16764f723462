// Package queue provides the bounded hand-off used between pipeline workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned when pushing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded channel that favours liveness over completeness: when the
// consumer falls behind for longer than the configured patience, the oldest
// unconsumed item is dropped to make room for the new one.
type Queue[T any] struct {
	ch       chan T
	patience time.Duration

	mu     sync.RWMutex
	closed bool

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a queue holding at most capacity items. Push blocks for at most
// patience when the queue is full; a zero patience drops immediately.
func New[T any](capacity int, patience time.Duration) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		ch:       make(chan T, capacity),
		patience: patience,
	}
}

// Push enqueues item. It returns the number of items dropped to make room
// (0 or 1), ErrClosed after Close, or the context error.
func (q *Queue[T]) Push(ctx context.Context, item T) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return 0, ErrClosed
	}

	select {
	case q.ch <- item:
		q.pushed.Add(1)
		return 0, nil
	default:
	}

	if q.patience > 0 {
		timer := time.NewTimer(q.patience)
		defer timer.Stop()

		select {
		case q.ch <- item:
			q.pushed.Add(1)
			return 0, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	// Still full: drop the oldest item. The consumer may race us for it, in
	// which case nothing is dropped and the send below succeeds.
	dropped := 0
	for {
		select {
		case q.ch <- item:
			q.pushed.Add(1)
			return dropped, nil
		default:
		}
		select {
		case <-q.ch:
			dropped++
			q.dropped.Add(1)
		default:
		}
		if err := ctx.Err(); err != nil {
			return dropped, err
		}
	}
}

// C returns the receive side of the queue. It is closed by Close once all
// pending pushes have returned.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Dropped returns the number of items dropped because the queue was full.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}

// Pushed returns the number of items accepted.
func (q *Queue[T]) Pushed() uint64 {
	return q.pushed.Load()
}

// Close stops accepting items. Items already queued can still be received.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
