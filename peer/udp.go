package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cyberinferno/go-netcore/logger"
	"github.com/cyberinferno/go-netcore/utils"
)

// MaxDatagramSize is the largest datagram Recv reads; longer ones are truncated.
const MaxDatagramSize = 1024

// UDPConfig holds configuration for a UDPPeer.
type UDPConfig struct {
	// Host is the local address to bind; empty binds all interfaces.
	Host string
	// Port is the local port; 0 picks a free port.
	Port int
	// Broadcast enables SO_BROADCAST so Send may target broadcast addresses.
	Broadcast bool
	// RecvTimeout bounds each Recv; 0 waits forever.
	RecvTimeout time.Duration
}

// UDPPeer sends and receives single datagrams. Each datagram carries a
// message followed by a 0x00 terminator.
type UDPPeer struct {
	conn   *net.UDPConn
	cfg    UDPConfig
	log    logger.Logger
	closed atomic.Bool
}

// NewUDPPeer binds a UDP socket with SO_REUSEADDR, plus SO_BROADCAST when
// cfg.Broadcast is set.
//
// Parameters:
//   - cfg: Bind address and options
//   - log: Logger for datagram errors; nil disables logging
//
// Returns:
//   - The bound *UDPPeer, or an error if the socket could not be bound
func NewUDPPeer(cfg UDPConfig, log logger.Logger) (*UDPPeer, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var sockErr error
			if err := rc.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr == nil && cfg.Broadcast {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				}
			}); err != nil {
				return err
			}

			return sockErr
		},
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: bind udp %s: %w", addr, err)
	}

	u := &UDPPeer{
		conn: pc.(*net.UDPConn),
		cfg:  cfg,
		log: logger.OrNop(log).With(
			logger.Field{Key: "component", Value: "peer.udp"},
			logger.Field{Key: "addr", Value: pc.LocalAddr().String()}),
	}

	u.log.Debug("udp peer bound", logger.Field{Key: "broadcast", Value: cfg.Broadcast})
	return u, nil
}

// LocalAddr returns the bound address.
func (u *UDPPeer) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Send transmits data plus the terminator as one datagram to host:port.
//
// Parameters:
//   - host: Destination IPv4 address, e.g. "255.255.255.255" for broadcast
//   - port: Destination port
//   - data: Message bytes; must not exceed MaxDatagramSize-1 to arrive intact
//
// Returns:
//   - nil on success; ErrClosed, a resolve error or the send error otherwise
func (u *UDPPeer) Send(host string, port int, data []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}

	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("peer: resolve %s: %w", host, err)
	}

	buf := utils.AppendNull(data)
	for {
		_, err = u.conn.WriteToUDP(buf, dst)
		if !errors.Is(err, syscall.EINTR) {
			break
		}
	}

	if err != nil {
		u.log.Debug("send failed", logger.Field{Key: "dst", Value: dst.String()}, logger.Err(err))
		return fmt.Errorf("peer: send to %s: %w", dst, err)
	}

	return nil
}

// Recv waits for one datagram. The message ends at the first 0x00 byte or at
// the datagram end, whichever comes first.
//
// Returns:
//   - The message and the sender's address
//   - ErrClosed after Close, a timeout error when RecvTimeout elapses, or the read error
func (u *UDPPeer) Recv() ([]byte, *net.UDPAddr, error) {
	if u.closed.Load() {
		return nil, nil, ErrClosed
	}

	deadline := time.Time{}
	if u.cfg.RecvTimeout > 0 {
		deadline = time.Now().Add(u.cfg.RecvTimeout)
	}

	if err := u.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, fmt.Errorf("peer: set read deadline: %w", err)
	}

	buf := make([]byte, MaxDatagramSize)
	n, from, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if u.closed.Load() {
			return nil, nil, ErrClosed
		}

		return nil, nil, fmt.Errorf("peer: recv: %w", err)
	}

	return utils.TrimAtNull(buf[:n]), from, nil
}

// Close releases the socket and unblocks a pending Recv. Idempotent.
func (u *UDPPeer) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}

	return u.conn.Close()
}
