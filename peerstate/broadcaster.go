package peerstate

import (
	"context"
	"fmt"
	"time"

	"github.com/cyberinferno/go-netcore/logger"
	"github.com/cyberinferno/go-netcore/peer"
)

const (
	// DefaultBroadcastHost is the limited broadcast address.
	DefaultBroadcastHost = "255.255.255.255"
	// DefaultPort is the UDP port peers announce on and listen to.
	DefaultPort = 9527
	// DefaultInterval is the period between announcements.
	DefaultInterval = time.Second
)

// BroadcasterConfig holds the destination of announcements.
type BroadcasterConfig struct {
	// Host is the destination address, normally a broadcast address.
	Host string
	// Port is the destination port receivers listen on.
	Port int
}

// DefaultBroadcasterConfig returns a BroadcasterConfig targeting the limited
// broadcast address on DefaultPort.
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{Host: DefaultBroadcastHost, Port: DefaultPort}
}

// Broadcaster announces the local PeerState to every receiver on the network.
type Broadcaster struct {
	cfg BroadcasterConfig
	udp *peer.UDPPeer
	log logger.Logger
}

// NewBroadcaster binds a broadcast-enabled UDP socket on an ephemeral port.
//
// Parameters:
//   - cfg: Destination (see DefaultBroadcasterConfig)
//   - log: Logger for send failures; nil disables logging
//
// Returns:
//   - The *Broadcaster, or an error if the socket could not be bound
func NewBroadcaster(cfg BroadcasterConfig, log logger.Logger) (*Broadcaster, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultBroadcastHost
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	l := logger.OrNop(log).With(logger.Field{Key: "component", Value: "peerstate.broadcaster"})
	udp, err := peer.NewUDPPeer(peer.UDPConfig{Broadcast: true}, l)
	if err != nil {
		return nil, err
	}

	return &Broadcaster{cfg: cfg, udp: udp, log: l}, nil
}

// BroadcastLocal sends one announcement of s.
func (b *Broadcaster) BroadcastLocal(s PeerState) error {
	data, err := s.Encode()
	if err != nil {
		return fmt.Errorf("peerstate: encode: %w", err)
	}

	return b.udp.Send(b.cfg.Host, b.cfg.Port, data)
}

// Run announces source() every interval until ctx is done. Send failures are
// logged and do not stop the loop.
//
// Parameters:
//   - ctx: Stops the loop when done
//   - interval: Period between announcements; non-positive selects DefaultInterval
//   - source: Returns the current local state; called once per announcement
func (b *Broadcaster) Run(ctx context.Context, interval time.Duration, source func() PeerState) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := b.BroadcastLocal(source()); err != nil {
			b.log.Warn("announcement failed", logger.Err(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases the socket.
func (b *Broadcaster) Close() error {
	return b.udp.Close()
}
