// Package safeset provides a small concurrent set. Netcore uses it to track
// the descriptors a sub-reactor owns so that they can be released from
// another goroutine during shutdown.
package safeset

import "sync"

// SafeSet is a thread-safe set of unique comparable elements.
type SafeSet[T comparable] struct {
	mu sync.RWMutex
	m  map[T]struct{}
}

// NewSafeSet creates and returns a new empty SafeSet.
func NewSafeSet[T comparable]() *SafeSet[T] {
	return &SafeSet[T]{m: make(map[T]struct{})}
}

// Add inserts value.
//
// Parameters:
//   - value: The element to add
//
// Returns:
//   - true if value was not present before
func (s *SafeSet[T]) Add(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[value]; ok {
		return false
	}

	s.m[value] = struct{}{}
	return true
}

// Remove deletes value.
//
// Parameters:
//   - value: The element to remove
//
// Returns:
//   - true if value was present
func (s *SafeSet[T]) Remove(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[value]; !ok {
		return false
	}

	delete(s.m, value)
	return true
}

// Contains reports whether value is in the set.
func (s *SafeSet[T]) Contains(value T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[value]
	return ok
}

// Size returns the number of elements in the set.
func (s *SafeSet[T]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Snapshot returns the current elements in unspecified order.
func (s *SafeSet[T]) Snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}

	return out
}

// Drain empties the set and returns what it held. Elements added after Drain
// returns are not included.
//
// Returns:
//   - The removed elements in unspecified order
func (s *SafeSet[T]) Drain() []T {
	s.mu.Lock()
	old := s.m
	s.m = make(map[T]struct{})
	s.mu.Unlock()

	out := make([]T, 0, len(old))
	for k := range old {
		out = append(out, k)
	}

	return out
}
