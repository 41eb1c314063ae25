package safequeue

import (
	"context"
	"errors"
	"sync"
)

// ErrTerminated is returned by Push once the queue has been terminated, and by
// Pop when Terminate was called with a nil error.
var ErrTerminated = errors.New("queue terminated")

// BlockingQueue is a FIFO whose consumers wait while it is empty. Terminate
// moves it permanently into a failed state: values already queued are still
// delivered, after which every current and future Pop returns the same error.
type BlockingQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	err    error
}

// NewBlockingQueue returns an empty, live BlockingQueue.
func NewBlockingQueue[T any]() *BlockingQueue[T] {
	return &BlockingQueue[T]{
		notify: make(chan struct{}),
	}
}

// Push appends v and wakes waiting consumers.
//
// Parameters:
//   - v: The value to append
//
// Returns:
//   - ErrTerminated if the queue has been terminated; v is dropped in that case
func (q *BlockingQueue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return ErrTerminated
	}

	q.items = append(q.items, v)
	q.broadcast()
	return nil
}

// Pop removes the head of the queue, waiting until a value is available, the
// queue is terminated, or ctx is done.
//
// Parameters:
//   - ctx: Bounds the wait; its error is returned if it ends first
//
// Returns:
//   - The head value on success
//   - The terminal error once the queue is terminated and empty, or ctx.Err()
func (q *BlockingQueue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}

		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return zero, err
		}

		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryPop removes the head of the queue without waiting.
//
// Returns:
//   - The head value and true if one was queued
//   - The terminal error if the queue is terminated and empty, nil otherwise
func (q *BlockingQueue[T]) TryPop() (T, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false, q.err
	}

	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true, nil
}

// Terminate fails the queue with err, unblocking every waiter. A nil err is
// recorded as ErrTerminated. Only the first call has an effect.
//
// Parameters:
//   - err: The terminal error consumers will observe
//
// Returns:
//   - true if this call terminated the queue, false if it already was
func (q *BlockingQueue[T]) Terminate(err error) bool {
	if err == nil {
		err = ErrTerminated
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return false
	}

	q.err = err
	q.broadcast()
	return true
}

// Err returns the terminal error, or nil while the queue is live.
func (q *BlockingQueue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Len returns the number of values waiting to be popped.
func (q *BlockingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// broadcast wakes every goroutine parked in Pop; caller must hold q.mu.
func (q *BlockingQueue[T]) broadcast() {
	close(q.notify)
	q.notify = make(chan struct{})
}
