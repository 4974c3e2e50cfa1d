// Package syncqueue provides bounded, type-safe hand-off queues for passing
// work between goroutines. Queue blocks with per-call timeouts; NonBlockingQueue
// answers immediately and is meant for hot I/O loops where any stall is
// unacceptable. Both refuse new elements once stopped and report every outcome
// as a distinct Status.
package syncqueue

import "time"

const (
	// DefaultCapacity is the element limit used when a capacity <= 0 is given.
	DefaultCapacity = 10000
	// DefaultPutTimeout is the wait budget producers normally use on a full Queue.
	DefaultPutTimeout = 10 * time.Millisecond
	// DefaultTakeTimeout is the wait budget consumers normally use on an empty Queue.
	DefaultTakeTimeout = time.Second

	stopDrainRetries  = 3
	stopDrainInterval = 10 * time.Millisecond
)

// Status is the outcome of a queue operation.
type Status int

const (
	Success Status = iota // Element was stored or retrieved
	Timeout               // Waited the whole timeout without progress
	Full                  // Non-blocking put found no free slot
	Empty                 // Non-blocking take found nothing to return
	Stopped               // Queue was stopped; put refused or nothing left to take
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case Timeout:
		return "Timeout"
	case Full:
		return "Full"
	case Empty:
		return "Empty"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

func normalizeCapacity(capacity int) int {
	if capacity <= 0 {
		return DefaultCapacity
	}

	return capacity
}
