package cachedpool

import (
	"context"
	"fmt"
)

// Future is the pending result of a task submitted with Submit.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Submit schedules fn on p and returns a handle to its result. If the queue
// cannot take the task it runs in the caller, so the returned Future may
// already be complete.
//
// Parameters:
//   - p: The pool to run on
//   - fn: The work to run; a panic is reported as ErrTaskPanicked
//
// Returns:
//   - A Future resolved with fn's result
func Submit[T any](p *Pool, fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	p.dispatch(func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
			}
		}()

		f.value, f.err = fn()
	})

	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result.
//
// Parameters:
//   - ctx: Cancels the wait (not the task)
//
// Returns:
//   - The task's value and error, or ctx.Err() if ctx ended first
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
