package peerstate

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cyberinferno/go-netcore/cachedpool"
	"github.com/cyberinferno/go-netcore/logger"
	"github.com/cyberinferno/go-netcore/metrics"
	"github.com/cyberinferno/go-netcore/peer"
	"github.com/cyberinferno/go-netcore/syncqueue"
)

// ReceiverConfig holds the listening address and buffering of a Receiver.
type ReceiverConfig struct {
	// Host is the local address to bind; empty binds all interfaces.
	Host string
	// Port is the port announcements arrive on.
	Port int
	// LocalID is the local peer's ID; announcements carrying it are ignored.
	LocalID string
	// QueueCapacity bounds states waiting in Updates.
	QueueCapacity int
	// PutTimeout is how long a decoded state waits for room in Updates.
	PutTimeout time.Duration
	// PollInterval bounds each receive so Run observes cancellation promptly.
	PollInterval time.Duration
	// PeerTTL is how long a peer stays in the Directory after its last announcement.
	PeerTTL time.Duration
}

// DefaultReceiverConfig returns a ReceiverConfig listening on DefaultPort
// that ignores announcements from localID.
func DefaultReceiverConfig(localID string) ReceiverConfig {
	return ReceiverConfig{
		Port:          DefaultPort,
		LocalID:       localID,
		QueueCapacity: syncqueue.DefaultCapacity,
		PutTimeout:    syncqueue.DefaultPutTimeout,
		PollInterval:  100 * time.Millisecond,
		PeerTTL:       DefaultPeerTTL,
	}
}

// ReceiverOption customizes a Receiver at construction.
type ReceiverOption func(*Receiver)

// WithMetrics records accepted and rejected announcements in m.
func WithMetrics(m *metrics.Metrics) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = m
	}
}

// Receiver listens for announcements from other peers. Decoding runs on the
// worker pool; accepted states are queued in Updates and recorded in the
// Directory.
type Receiver struct {
	cfg       ReceiverConfig
	udp       *peer.UDPPeer
	pool      *cachedpool.Pool
	updates   *syncqueue.Queue[PeerState]
	directory *Directory
	log       logger.Logger
	metrics   *metrics.Metrics
}

// NewReceiver binds the announcement port.
//
// Parameters:
//   - cfg: Address and buffering (see DefaultReceiverConfig)
//   - pool: Pool that decodes announcements; nil decodes on the Run goroutine
//   - log: Logger for rejected announcements; nil disables logging
//   - opts: Optional metrics injection
//
// Returns:
//   - The *Receiver, or an error if the port could not be bound
func NewReceiver(cfg ReceiverConfig, pool *cachedpool.Pool, log logger.Logger, opts ...ReceiverOption) (*Receiver, error) {
	if cfg.PutTimeout <= 0 {
		cfg.PutTimeout = syncqueue.DefaultPutTimeout
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	l := logger.OrNop(log).With(logger.Field{Key: "component", Value: "peerstate.receiver"})
	udp, err := peer.NewUDPPeer(peer.UDPConfig{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Broadcast:   true,
		RecvTimeout: cfg.PollInterval,
	}, l)
	if err != nil {
		return nil, err
	}

	r := &Receiver{
		cfg:       cfg,
		udp:       udp,
		pool:      pool,
		updates:   syncqueue.New[PeerState](cfg.QueueCapacity, l),
		directory: NewDirectory(cfg.PeerTTL, 0),
		log:       l,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Addr returns the bound address.
func (r *Receiver) Addr() *net.UDPAddr {
	return r.udp.LocalAddr()
}

// Updates returns the queue of accepted states in arrival order.
func (r *Receiver) Updates() *syncqueue.Queue[PeerState] {
	return r.updates
}

// Directory returns the latest state per live peer.
func (r *Receiver) Directory() *Directory {
	return r.directory
}

// Run receives announcements until ctx is done or the Receiver is closed.
func (r *Receiver) Run(ctx context.Context) {
	for ctx.Err() == nil {
		msg, from, err := r.udp.Recv()
		if err != nil {
			if errors.Is(err, peer.ErrClosed) {
				return
			}

			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				r.log.Warn("receive failed", logger.Err(err))
			}

			continue
		}

		if r.pool == nil {
			r.accept(msg, from)
			continue
		}

		r.pool.Execute(func() {
			r.accept(msg, from)
		})
	}
}

func (r *Receiver) accept(msg []byte, from *net.UDPAddr) {
	s, err := Decode(msg)
	if err != nil {
		r.metrics.PeerStateRejected()
		r.log.Debug("ignoring announcement", logger.Field{Key: "from", Value: from.String()}, logger.Err(err))
		return
	}

	if s.ID == r.cfg.LocalID {
		return
	}

	r.directory.Record(s)
	r.metrics.PeerStateReceived()

	if status := r.updates.Put(s, r.cfg.PutTimeout); status != syncqueue.Success {
		r.log.Warn("dropping peer update",
			logger.Field{Key: "peer", Value: s.ID},
			logger.Field{Key: "status", Value: status.String()})
	}
}

// Close releases the socket and stops Updates. Queued states stay takeable.
func (r *Receiver) Close() error {
	err := r.udp.Close()
	r.updates.Stop()
	return err
}
