package codec

import (
	"context"
	"sync"
)

// fifo is an unbounded thread-safe FIFO queue. Push never blocks; TryPop
// never blocks; Pop blocks until an item arrives, ctx ends, or stop closes.
//
// The four pipeline queues are fifo instances. They are the only state shared
// between the caller's goroutine and the codec worker — no further locking is
// needed anywhere in the pipeline.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T

	// notify is closed and replaced on every Push, waking every blocked Pop
	// at once. Pop snapshots the current channel under the lock while the
	// queue is still empty, so no Push can slip between the emptiness check
	// and the wait. Spurious wake-ups are fine — Pop loops.
	notify chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{notify: make(chan struct{})}
}

// Push appends item and wakes all blocked Pops. It never blocks the producer.
func (q *fifo[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

// popLocked removes and returns the head of the queue. Callers hold q.mu.
func (q *fifo[T]) popLocked() T {
	item := q.items[0]
	// Shift rather than re-slice so popped items become collectable.
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item
}

// TryPop returns the head of the queue without blocking. ok is false when the
// queue is empty.
func (q *fifo[T]) TryPop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// popOrWait pops the head when the queue is non-empty; otherwise it returns
// the wake-up channel for the next Push, captured while the queue is still
// known to be empty.
func (q *fifo[T]) popOrWait() (item T, ok bool, wait <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) > 0 {
		return q.popLocked(), true, nil
	}
	var zero T
	return zero, false, q.notify
}

// Pop blocks until an item is available, ctx is done, or stop is closed.
// On ctx expiry it returns ctx.Err(); on stop it returns errStopped.
func (q *fifo[T]) Pop(ctx context.Context, stop <-chan struct{}) (T, error) {
	for {
		item, ok, wait := q.popOrWait()
		if ok {
			return item, nil
		}
		select {
		case <-wait:
			// Re-check; another consumer may have raced us to the item.
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-stop:
			var zero T
			return zero, errStopped
		}
	}
}

// Len returns the current queue depth.
func (q *fifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
