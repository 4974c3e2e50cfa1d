//go:build linux

package reactor

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultMaxEvents is the number of ready descriptors reported per Wait.
const DefaultMaxEvents = 25

// Poller is an edge-triggered epoll instance. Add, Remove and Close may be
// called from any goroutine; Wait must only be called by the owning loop.
type Poller struct {
	fd     int
	events []unix.EpollEvent
	closed atomic.Bool
}

// NewPoller creates an epoll instance reporting at most maxEvents descriptors
// per Wait.
//
// Parameters:
//   - maxEvents: Batch size for Wait; non-positive selects DefaultMaxEvents
//
// Returns:
//   - The Poller, or an error if epoll_create1 failed
func NewPoller(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	return &Poller{fd: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

// Add registers fd for edge-triggered read and peer hang-up notifications.
// Data already buffered on fd is reported by the next Wait.
func (p *Poller) Add(fd int) error {
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}

	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("reactor: epoll add fd %d: %w", fd, err)
	}

	return nil
}

// Remove deregisters fd.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll remove fd %d: %w", fd, err)
	}

	return nil
}

// Wait blocks up to timeout and returns the ready descriptors. An interrupted
// wait returns no descriptors and no error.
//
// Parameters:
//   - timeout: Longest wait, rounded up to 1ms when positive but shorter;
//     negative waits indefinitely
//
// Returns:
//   - Ready descriptors (possibly none), or the epoll_wait error
func (p *Poller) Wait(timeout time.Duration) ([]int, error) {
	msec := -1
	switch {
	case timeout > 0 && timeout < time.Millisecond:
		msec = 1
	case timeout >= 0:
		msec = int(timeout / time.Millisecond)
	}

	n, err := unix.EpollWait(p.fd, p.events, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}

		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	fds := make([]int, n)
	for i := 0; i < n; i++ {
		fds[i] = int(p.events[i].Fd)
	}

	return fds, nil
}

// Close releases the epoll instance. Registered descriptors are not closed.
// Idempotent.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	return unix.Close(p.fd)
}
