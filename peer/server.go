//go:build linux

package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/cyberinferno/go-netcore/logger"
)

const (
	// DefaultBacklog is the listen queue length for established connections.
	DefaultBacklog = 100
	// DefaultServerRecvTimeout is the receive timeout applied to accepted connections.
	DefaultServerRecvTimeout = 3 * time.Second
	// DefaultServerSendTimeout bounds the wait for send buffer space on a
	// non-blocking connection.
	DefaultServerSendTimeout = 3 * time.Second

	fillChunkSize = 16 * 1024
	fillLimit     = 64 * 1024
)

// ServerConfig holds the listening parameters of a Server.
type ServerConfig struct {
	// Host is the IPv4 address to bind, e.g. "0.0.0.0" or "127.0.0.1".
	Host string
	// Port to bind; 0 picks a free port (see Server.Addr).
	Port int
	// Backlog is the listen(2) queue length.
	Backlog int
	// RecvTimeout is set as SO_RCVTIMEO on every accepted connection.
	RecvTimeout time.Duration
	// SendTimeout bounds Send on a non-blocking connection whose send buffer is full.
	SendTimeout time.Duration
	// MaxFrameSize bounds incoming frames; 0 selects MaxFrameSize.
	MaxFrameSize uint32
}

// DefaultServerConfig returns a ServerConfig for host:port with the standard
// backlog and 3s receive and send timeouts.
func DefaultServerConfig(host string, port int) ServerConfig {
	return ServerConfig{
		Host:        host,
		Port:        port,
		Backlog:     DefaultBacklog,
		RecvTimeout: DefaultServerRecvTimeout,
		SendTimeout: DefaultServerSendTimeout,
	}
}

// Server is a TCP listener that exchanges frames over raw descriptors. Send
// and Recv take the descriptor explicitly because one server serves many
// connections concurrently; a failure closes only the descriptor involved.
type Server struct {
	fd     int
	addr   *net.TCPAddr
	cfg    ServerConfig
	log    logger.Logger
	closed atomic.Bool
}

// NewServer creates, binds and starts listening on an IPv4 TCP socket. The
// socket is released again when any step fails.
//
// Parameters:
//   - cfg: Listening parameters (see DefaultServerConfig)
//   - log: Logger for connection events; nil disables logging
//
// Returns:
//   - The listening Server, or an error if socket, bind or listen failed
func NewServer(cfg ServerConfig, log logger.Logger) (*Server, error) {
	ip := net.ParseIP(cfg.Host).To4()
	if ip == nil {
		return nil, fmt.Errorf("peer: invalid IPv4 host %q", cfg.Host)
	}

	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}

	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = DefaultServerRecvTimeout
	}

	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultServerSendTimeout
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("peer: create socket: %w", err)
	}

	fail := func(step string, err error) (*Server, error) {
		return nil, multierr.Append(fmt.Errorf("peer: %s %s:%d: %w", step, cfg.Host, cfg.Port, err), unix.Close(fd))
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("set SO_REUSEADDR", err)
	}

	sa := &unix.SockaddrInet4{Port: cfg.Port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}

	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		return fail("listen", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}

	s := &Server{
		fd:  fd,
		cfg: cfg,
		log: logger.OrNop(log).With(logger.Field{Key: "component", Value: "peer.server"}),
	}

	if in4, ok := bound.(*unix.SockaddrInet4); ok {
		s.addr = &net.TCPAddr{IP: net.IP(in4.Addr[:]).To16(), Port: in4.Port}
	}

	s.log.Info("server listening", logger.Field{Key: "addr", Value: s.Addr().String()})
	return s, nil
}

// Fd returns the listening descriptor.
func (s *Server) Fd() int {
	return s.fd
}

// Addr returns the bound address, with the real port when Port was 0.
func (s *Server) Addr() *net.TCPAddr {
	if s.addr == nil {
		return &net.TCPAddr{}
	}

	return s.addr
}

// SetNonblocking switches the listening descriptor to non-blocking mode so
// Accept returns ErrWouldBlock instead of waiting.
func (s *Server) SetNonblocking() error {
	if err := unix.SetNonblock(s.fd, true); err != nil {
		return fmt.Errorf("peer: set non-blocking: %w", err)
	}

	return nil
}

// Accept takes one pending connection and applies the receive timeout to it.
// Accepted descriptors are blocking regardless of the listener's mode.
//
// Returns:
//   - The connection descriptor
//   - ErrWouldBlock if none is pending on a non-blocking listener, ErrClosed,
//     or the accept error
func (s *Server) Accept() (int, error) {
	if s.closed.Load() {
		return -1, ErrClosed
	}

	for {
		nfd, _, err := unix.Accept4(s.fd, unix.SOCK_CLOEXEC)
		if err == nil {
			tv := unix.NsecToTimeval(s.cfg.RecvTimeout.Nanoseconds())
			if err := unix.SetsockoptTimeval(nfd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
				s.log.Warn("cannot set receive timeout", logger.Field{Key: "fd", Value: nfd}, logger.Err(err))
			}

			return nfd, nil
		}

		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return -1, ErrWouldBlock
		default:
			return -1, fmt.Errorf("peer: accept: %w", err)
		}
	}
}

// Send writes payload as one frame to fd. On a non-blocking fd it waits up to
// SendTimeout for buffer space. On failure fd is closed.
//
// Parameters:
//   - fd: Connection descriptor returned by Accept
//   - payload: Message bytes
//
// Returns:
//   - true if the whole frame was written
func (s *Server) Send(fd int, payload []byte) bool {
	if err := WriteFrame(s.stream(fd), payload); err != nil {
		s.log.Debug("send failed, closing connection", logger.Field{Key: "fd", Value: fd}, logger.Err(err))
		_ = unix.Close(fd)
		return false
	}

	return true
}

// Recv reads one frame from fd, waiting at most the receive timeout for each
// chunk. On timeout, peer close or any other failure fd is closed.
//
// Parameters:
//   - fd: Connection descriptor returned by Accept
//
// Returns:
//   - The payload and true, or nil and false if the connection is gone
func (s *Server) Recv(fd int) ([]byte, bool) {
	payload, err := ReadFrame(s.stream(fd), s.cfg.MaxFrameSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.log.Debug("peer closed connection", logger.Field{Key: "fd", Value: fd})
		} else {
			s.log.Debug("recv failed, closing connection", logger.Field{Key: "fd", Value: fd}, logger.Err(err))
		}

		_ = unix.Close(fd)
		return nil, false
	}

	return payload, true
}

// Fill moves the bytes readable on fd into fb without waiting; fd must be in
// non-blocking mode. Unlike Recv it never closes fd, so frames completed in fb
// can still be answered before the caller closes it.
//
// Parameters:
//   - fd: Non-blocking connection descriptor
//   - fb: Per-connection buffer receiving the bytes
//
// Returns:
//   - open: false once the peer closed the connection or the read failed
//   - drained: true when everything readable was consumed; false when Fill
//     stopped early to let the caller consume fb first
func (s *Server) Fill(fd int, fb *FrameBuffer) (open, drained bool) {
	chunk := make([]byte, fillChunkSize)
	for {
		n, err := unix.Read(fd, chunk)
		switch {
		case err == nil && n > 0:
			_, _ = fb.Write(chunk[:n])
			if fb.Buffered() >= fillLimit {
				return true, false
			}
		case err == nil:
			s.log.Debug("peer closed connection", logger.Field{Key: "fd", Value: fd})
			return false, true
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return true, true
		default:
			s.log.Debug("read failed", logger.Field{Key: "fd", Value: fd}, logger.Err(err))
			return false, true
		}
	}
}

// Close releases the listening descriptor. It is safe to call multiple times.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.log.Info("server closed", logger.Field{Key: "addr", Value: s.Addr().String()})

	// shutdown wakes a goroutine blocked in accept; close alone does not
	_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)
	return unix.Close(s.fd)
}

func (s *Server) stream(fd int) fdStream {
	return fdStream{fd: fd, sendTimeout: s.cfg.SendTimeout}
}

// fdStream adapts a connected socket descriptor to io.Reader and io.Writer.
type fdStream struct {
	fd          int
	sendTimeout time.Duration
}

func (f fdStream) Read(p []byte) (int, error) {
	n, err := unix.Read(f.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, fmt.Errorf("peer: receive timed out: %w", err)
		}

		return 0, err
	}

	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}

	return n, nil
}

func (f fdStream) Write(p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(f.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if !errors.Is(err, unix.EAGAIN) {
			if n < 0 {
				n = 0
			}

			return n, err
		}

		if err := waitWritable(f.fd, f.sendTimeout); err != nil {
			return 0, err
		}
	}
}

func waitWritable(fd int, timeout time.Duration) error {
	msec := int(timeout / time.Millisecond)
	if msec < 1 {
		msec = 1
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, msec)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return fmt.Errorf("peer: poll for write: %w", err)
		}

		if n == 0 {
			return fmt.Errorf("peer: send timed out after %s", timeout)
		}

		return nil
	}
}
