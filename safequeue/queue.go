// Package safequeue provides the two FIFO queues a duplex connection is built
// around: a non-blocking Queue used to stage outbound data from any number of
// producers, and a BlockingQueue that delivers inbound data to consumers and can
// be terminated once with an error that every waiter then observes.
package safequeue

import "sync"

// Queue is an unbounded FIFO that never blocks its callers beyond a short
// critical section. It is safe for concurrent producers and consumers.
//
// Items pushed from one goroutine come out in the order that goroutine pushed
// them. Items from different goroutines interleave in insertion order.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewQueue returns an empty Queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends v to the tail of the queue.
//
// Parameters:
//   - v: The value to append
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// Pop removes and returns the head of the queue.
//
// Returns:
//   - The head value, or the zero value of T if the queue is empty
//   - true if a value was removed, false if the queue was empty
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}

	return v, true
}

// Drain removes and returns every queued value in FIFO order. Each value is
// handed to exactly one caller of Pop or Drain.
//
// Returns:
//   - The queued values, or nil if the queue was empty
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
