package syncqueue

import (
	"sync"
	"time"

	"github.com/cyberinferno/go-netcore/logger"
)

// Queue is a bounded FIFO whose Put and Take wait up to a per-call timeout.
// It is backed by a buffered channel, so its length can never exceed its
// capacity and a single producer's elements are taken in the order they were
// put. Queue is safe for concurrent use and must be created with New.
type Queue[T any] struct {
	items    chan T
	stopped  chan struct{}
	stopOnce sync.Once
	log      logger.Logger

	// puts holds a read lock per Put; Stop takes the write lock once to wait
	// out puts that started before it.
	puts sync.RWMutex
}

// New creates a Queue holding at most capacity elements.
//
// Parameters:
//   - capacity: Maximum number of queued elements; <= 0 selects DefaultCapacity
//   - log: Logger used to report residue on Stop; nil disables logging
//
// Returns:
//   - A new, running Queue
func New[T any](capacity int, log logger.Logger) *Queue[T] {
	return &Queue[T]{
		items:   make(chan T, normalizeCapacity(capacity)),
		stopped: make(chan struct{}),
		log:     logger.OrNop(log).With(logger.Field{Key: "component", Value: "syncqueue"}),
	}
}

// Put appends elem, waiting up to timeout for a free slot. No Put succeeds
// after Stop has returned.
//
// Parameters:
//   - elem: The element to enqueue
//   - timeout: Maximum time to wait while the queue is full; <= 0 never waits
//
// Returns:
//   - Success, Timeout if no slot freed in time, or Stopped if the queue was stopped
func (q *Queue[T]) Put(elem T, timeout time.Duration) Status {
	q.puts.RLock()
	defer q.puts.RUnlock()

	if q.IsStopped() {
		return Stopped
	}

	select {
	case q.items <- elem:
		return Success
	default:
	}

	if timeout <= 0 {
		return Timeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.stopped:
		return Stopped
	case q.items <- elem:
		return Success
	case <-timer.C:
		return Timeout
	}
}

// Take removes the oldest element, waiting up to timeout for one to arrive.
// Elements still queued after Stop remain takeable.
//
// Parameters:
//   - timeout: Maximum time to wait while the queue is empty; <= 0 never waits
//
// Returns:
//   - The element (zero value unless Success)
//   - Success, Timeout, or Stopped if the queue is stopped and drained
func (q *Queue[T]) Take(timeout time.Duration) (T, Status) {
	var zero T

	select {
	case elem := <-q.items:
		return elem, Success
	default:
	}

	if q.IsStopped() {
		return zero, Stopped
	}

	if timeout <= 0 {
		return zero, Timeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case elem := <-q.items:
		return elem, Success
	case <-q.stopped:
		// a producer may have won the race against Stop
		select {
		case elem := <-q.items:
			return elem, Success
		default:
			return zero, Stopped
		}
	case <-timer.C:
		return zero, Timeout
	}
}

// TakeAll waits like Take for the first element and then drains everything
// queued at that moment in one call.
//
// Parameters:
//   - timeout: Maximum time to wait for the first element
//
// Returns:
//   - The drained elements in FIFO order (nil unless Success)
//   - Success, Timeout, or Stopped
func (q *Queue[T]) TakeAll(timeout time.Duration) ([]T, Status) {
	first, status := q.Take(timeout)
	if status != Success {
		return nil, status
	}

	out := make([]T, 0, len(q.items)+1)
	out = append(out, first)
	for {
		select {
		case elem := <-q.items:
			out = append(out, elem)
		default:
			return out, Success
		}
	}
}

// Stop refuses further puts and wakes every waiter. It then gives consumers
// a short, bounded chance to drain what is left and logs any residue. Stop is
// idempotent.
func (q *Queue[T]) Stop() {
	first := false
	q.stopOnce.Do(func() {
		close(q.stopped)
		q.puts.Lock()
		// every Put that saw the queue running has returned
		q.puts.Unlock()
		first = true
	})

	if !first {
		return
	}

	for i := 0; i < stopDrainRetries && len(q.items) > 0; i++ {
		time.Sleep(stopDrainInterval)
	}

	if n := len(q.items); n > 0 {
		q.log.Warn("queue stopped with remaining elements", logger.Field{Key: "remaining", Value: n})
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// IsEmpty reports whether nothing is queued.
func (q *Queue[T]) IsEmpty() bool {
	return len(q.items) == 0
}

// IsFull reports whether every slot is taken.
func (q *Queue[T]) IsFull() bool {
	return len(q.items) >= cap(q.items)
}

// IsStopped reports whether Stop has been called.
func (q *Queue[T]) IsStopped() bool {
	select {
	case <-q.stopped:
		return true
	default:
		return false
	}
}
