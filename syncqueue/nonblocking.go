package syncqueue

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/cyberinferno/go-netcore/logger"
)

// NonBlockingQueue is a bounded FIFO whose operations never wait. A full queue
// answers Full and an empty one answers Empty, leaving the degradation policy
// to the caller. It is safe for concurrent use and must be created with
// NewNonBlocking.
type NonBlockingQueue[T any] struct {
	mu       sync.Mutex
	ring     *queue.Queue
	capacity int
	stopped  bool
	log      logger.Logger
}

// NewNonBlocking creates a NonBlockingQueue holding at most capacity elements.
//
// Parameters:
//   - capacity: Maximum number of queued elements; <= 0 selects DefaultCapacity
//   - log: Logger used to report residue on Stop; nil disables logging
//
// Returns:
//   - A new, running NonBlockingQueue
func NewNonBlocking[T any](capacity int, log logger.Logger) *NonBlockingQueue[T] {
	return &NonBlockingQueue[T]{
		ring:     queue.New(),
		capacity: normalizeCapacity(capacity),
		log:      logger.OrNop(log).With(logger.Field{Key: "component", Value: "syncqueue"}),
	}
}

// Put appends elem if there is room.
//
// Parameters:
//   - elem: The element to enqueue
//
// Returns:
//   - Success, Full when at capacity, or Stopped after Stop
func (q *NonBlockingQueue[T]) Put(elem T) Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return Stopped
	}

	if q.ring.Length() >= q.capacity {
		return Full
	}

	q.ring.Add(elem)
	return Success
}

// Take removes the oldest element if there is one.
//
// Returns:
//   - The element (zero value unless Success)
//   - Success or Empty
func (q *NonBlockingQueue[T]) Take() (T, Status) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ring.Length() == 0 {
		var zero T
		return zero, Empty
	}

	return q.ring.Remove().(T), Success
}

// TakeAll removes every queued element under a single lock acquisition.
//
// Returns:
//   - The elements in FIFO order (nil unless Success)
//   - Success or Empty
func (q *NonBlockingQueue[T]) TakeAll() ([]T, Status) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.ring.Length()
	if n == 0 {
		return nil, Empty
	}

	out := make([]T, 0, n)
	for q.ring.Length() > 0 {
		out = append(out, q.ring.Remove().(T))
	}

	return out, Success
}

// Stop refuses further puts. Queued elements stay takeable; any residue is
// logged. Stop is idempotent.
func (q *NonBlockingQueue[T]) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}

	q.stopped = true
	remaining := q.ring.Length()
	q.mu.Unlock()

	if remaining > 0 {
		q.log.Warn("queue stopped with remaining elements", logger.Field{Key: "remaining", Value: remaining})
	}
}

// Len returns the number of queued elements.
func (q *NonBlockingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Length()
}

// Cap returns the queue capacity.
func (q *NonBlockingQueue[T]) Cap() int {
	return q.capacity
}

// IsEmpty reports whether nothing is queued.
func (q *NonBlockingQueue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// IsFull reports whether the queue is at capacity.
func (q *NonBlockingQueue[T]) IsFull() bool {
	return q.Len() >= q.capacity
}

// IsStopped reports whether Stop has been called.
func (q *NonBlockingQueue[T]) IsStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}
