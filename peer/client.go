package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cyberinferno/go-netcore/logger"
)

// ConnState represents the connection state of a Client.
type ConnState int

const (
	Disconnected ConnState = iota // No connection; the next operation dials
	Connected                     // A connection is open
	Closed                        // Close was called; the client is unusable
)

// String returns a human-readable name for the connection state.
func (cs ConnState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ClientConfig holds configuration for a Client.
type ClientConfig struct {
	// Address is the "host:port" to connect to.
	Address string
	// RecvTimeout bounds the wait for one incoming frame; 0 means no timeout.
	RecvTimeout time.Duration
	// DialTimeout bounds establishing a connection.
	DialTimeout time.Duration
	// ReconnectAttempts is how many extra dials are made when connecting
	// fails, and how many times a send that wrote nothing is repeated on a
	// fresh connection. A failed receive is never repeated.
	ReconnectAttempts int
	// MaxFrameSize bounds incoming frames; 0 selects MaxFrameSize.
	MaxFrameSize uint32
}

// DefaultClientConfig returns a ClientConfig for the given address.
//
// Parameters:
//   - address: The "host:port" to connect to
//
// Returns:
//   - A ClientConfig with RecvTimeout 30s, DialTimeout 10s and one reconnect attempt
func DefaultClientConfig(address string) ClientConfig {
	return ClientConfig{
		Address:           address,
		RecvTimeout:       30 * time.Second,
		DialTimeout:       10 * time.Second,
		ReconnectAttempts: 1,
	}
}

// Client is a framed TCP client. It connects lazily, tears the connection down
// on any I/O error and transparently reconnects on the next operation. A
// request that may have reached the server is never sent again by the same
// call. All operations are serialized, so a Client is safe for concurrent use.
type Client struct {
	cfg  ClientConfig
	log  logger.Logger
	mu   sync.Mutex
	conn net.Conn

	state ConnState
}

// NewClient creates a Client in Disconnected state. No connection is made
// until Connect or the first Send, Recv or Interact.
//
// Parameters:
//   - cfg: Connection settings (see DefaultClientConfig)
//   - log: Logger for connection events; nil disables logging
//
// Returns:
//   - A new *Client; call Close when done to release the connection
func NewClient(cfg ClientConfig, log logger.Logger) *Client {
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}

	return &Client{
		cfg: cfg,
		log: logger.OrNop(log).With(
			logger.Field{Key: "component", Value: "peer.client"},
			logger.Field{Key: "addr", Value: cfg.Address}),
		state: Disconnected,
	}
}

// Connect dials the configured address if not already connected.
//
// Returns:
//   - nil when connected; ErrClosed after Close, or the dial error
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ensureLocked()
}

// Send writes payload as one frame. If the write fails before any byte went
// out, it is repeated on a fresh connection.
//
// Parameters:
//   - payload: Message bytes; not modified
//
// Returns:
//   - nil on success, or the error once reconnect attempts are exhausted
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sendLocked(payload)
}

// Recv waits for one frame and returns its payload. A failure tears the
// connection down; the next operation reconnects.
//
// Returns:
//   - The payload, or the receive error
func (c *Client) Recv() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLocked(); err != nil {
		return nil, err
	}

	return c.recvLocked()
}

// Interact sends payload and waits for the reply. A failed receive is not
// retried, so the server sees the request at most once per call; the next
// call reconnects.
//
// Parameters:
//   - payload: Request bytes
//
// Returns:
//   - The reply payload, or the send or receive error
func (c *Client) Interact(payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sendLocked(payload); err != nil {
		return nil, err
	}

	return c.recvLocked()
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close releases the connection. The client cannot be reused afterwards.
// Idempotent; calling Close multiple times is safe.
//
// Returns:
//   - The error from closing the connection, if any
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Closed {
		return nil
	}

	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}

	c.state = Closed
	c.log.Debug("client closed")
	return err
}

func (c *Client) sendLocked(payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		if err := c.ensureLocked(); err != nil {
			return err
		}

		w := &countingWriter{w: c.conn}
		err := WriteFrame(w, payload)
		if err == nil {
			return nil
		}

		lastErr = err
		c.log.Debug("send failed, tearing down",
			logger.Field{Key: "attempt", Value: attempt},
			logger.Field{Key: "written", Value: w.n},
			logger.Err(err))
		c.teardownLocked()

		if w.n > 0 {
			break
		}
	}

	return fmt.Errorf("peer: send %s: %w", c.cfg.Address, lastErr)
}

func (c *Client) recvLocked() ([]byte, error) {
	deadline := time.Time{}
	if c.cfg.RecvTimeout > 0 {
		deadline = time.Now().Add(c.cfg.RecvTimeout)
	}

	payload, err := c.readFrame(deadline)
	if err != nil {
		c.log.Debug("recv failed, tearing down", logger.Err(err))
		c.teardownLocked()
		return nil, fmt.Errorf("peer: recv %s: %w", c.cfg.Address, err)
	}

	return payload, nil
}

func (c *Client) readFrame(deadline time.Time) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	return ReadFrame(c.conn, c.cfg.MaxFrameSize)
}

// ensureLocked dials when disconnected, making up to 1+ReconnectAttempts
// attempts.
func (c *Client) ensureLocked() error {
	switch c.state {
	case Closed:
		return ErrClosed
	case Connected:
		return nil
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	var err error
	for attempt := 0; attempt <= c.cfg.ReconnectAttempts; {
		var conn net.Conn
		conn, err = dialer.Dial("tcp", c.cfg.Address)
		if errors.Is(err, syscall.EINTR) {
			continue
		}

		if err == nil {
			c.conn = conn
			c.state = Connected
			c.log.Debug("connected", logger.Field{Key: "attempt", Value: attempt})
			return nil
		}

		c.log.Warn("dial failed", logger.Field{Key: "attempt", Value: attempt}, logger.Err(err))
		attempt++
	}

	return fmt.Errorf("peer: dial %s: %w", c.cfg.Address, err)
}

func (c *Client) teardownLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	if c.state != Closed {
		c.state = Disconnected
	}
}

// countingWriter records how many bytes reached the underlying writer.
type countingWriter struct {
	w io.Writer
	n int
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += n
	return n, err
}
