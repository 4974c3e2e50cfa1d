//go:build linux

// Package reactor implements a multi-reactor TCP server. One acceptor loop
// accepts connections on an edge-triggered epoll instance and hands each
// descriptor to a bounded queue; a fixed set of sub-reactors take descriptors
// from that queue, each watching its own connections with a private Poller.
// Connections are read without blocking; bytes of a frame that has not fully
// arrived wait in a per-connection buffer, so a slow client never holds up
// the others. Every request frame is turned into a response frame by a Handler.
//
// When the accept queue is full, the acceptor answers the new connection with
// BusyMessage and closes it instead of keeping it waiting.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/cyberinferno/go-netcore/cachedpool"
	"github.com/cyberinferno/go-netcore/logger"
	"github.com/cyberinferno/go-netcore/metrics"
	"github.com/cyberinferno/go-netcore/peer"
	"github.com/cyberinferno/go-netcore/safeset"
	"github.com/cyberinferno/go-netcore/syncqueue"
)

const (
	DefaultSubReactors         = 2
	DefaultPollInterval        = 10 * time.Millisecond
	DefaultAcceptQueueCapacity = 10000
)

// BusyMessage is sent to connections rejected because the accept queue is full.
var BusyMessage = []byte("server is busy")

var (
	// ErrClosed is returned by Run on a reactor that was closed.
	ErrClosed = errors.New("reactor: closed")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("reactor: already running")
	// ErrHandlerPanicked wraps a panic raised by the Handler.
	ErrHandlerPanicked = errors.New("reactor: handler panicked")
)

// Handler turns one request frame into one response frame.
// Process is called concurrently from different sub-reactors.
type Handler interface {
	Process(frame []byte) []byte
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(frame []byte) []byte

// Process calls f(frame).
func (f HandlerFunc) Process(frame []byte) []byte {
	return f(frame)
}

// State is the lifecycle state of a Reactor.
type State int32

const (
	Created  State = iota // Constructed, Run not called yet
	Running               // Run is serving connections
	Stopping              // Stop requested, loops are exiting
	Stopped               // Run returned or the reactor was closed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Config holds the listening address and sizing of a Reactor.
type Config struct {
	// Host is the IPv4 address to listen on.
	Host string
	// Port to listen on; 0 picks a free port (see Reactor.Addr).
	Port int
	// SubReactors is the number of connection-serving loops.
	SubReactors int
	// MaxEvents is the number of ready descriptors handled per poll.
	MaxEvents int
	// PollInterval bounds each poll, and so the latency of Stop.
	PollInterval time.Duration
	// AcceptQueueCapacity bounds accepted connections not yet taken by a sub-reactor.
	AcceptQueueCapacity int
	// SendTimeout bounds writing a response to a client that does not read it.
	SendTimeout time.Duration
}

// DefaultConfig returns a Config listening on host:port with 2 sub-reactors,
// 25 events per poll, a 10ms poll interval and an accept queue of 10000.
func DefaultConfig(host string, port int) Config {
	return Config{
		Host:                host,
		Port:                port,
		SubReactors:         DefaultSubReactors,
		MaxEvents:           DefaultMaxEvents,
		PollInterval:        DefaultPollInterval,
		AcceptQueueCapacity: DefaultAcceptQueueCapacity,
		SendTimeout:         peer.DefaultServerSendTimeout,
	}
}

// Option customizes a Reactor at construction.
type Option func(*Reactor)

// WithPool runs the Handler on p instead of on the sub-reactor goroutine.
// The sub-reactor still waits for the result before serving its next frame.
func WithPool(p *cachedpool.Pool) Option {
	return func(r *Reactor) {
		r.pool = p
	}
}

// WithMetrics records connection activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reactor) {
		r.metrics = m
	}
}

type subReactor struct {
	id     int
	poller *Poller
	conns  *safeset.SafeSet[int]
	log    logger.Logger

	// frames holds the unconsumed input of each connection; only the
	// sub-reactor goroutine touches it.
	frames map[int]*peer.FrameBuffer
}

// Reactor is a multi-reactor TCP server. Create it with New, serve with Run,
// and release it with Close.
type Reactor struct {
	cfg     Config
	handler Handler
	log     logger.Logger
	pool    *cachedpool.Pool
	metrics *metrics.Metrics

	server   *peer.Server
	acceptor *Poller
	subs     []*subReactor
	pending  *syncqueue.NonBlockingQueue[int]

	state     atomic.Int32
	stopCh    chan struct{}
	stopOnce  sync.Once
	finished  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates the listening socket, the acceptor poller and one poller per
// sub-reactor. Nothing is served until Run. Any failure releases what was
// already opened.
//
// Parameters:
//   - cfg: Address and sizing (see DefaultConfig)
//   - handler: Request processing; must be safe for concurrent use
//   - log: Logger for lifecycle and connection events; nil disables logging
//   - opts: Optional pool and metrics injection
//
// Returns:
//   - The Reactor in Created state, or the construction error
func New(cfg Config, handler Handler, log logger.Logger, opts ...Option) (*Reactor, error) {
	if handler == nil {
		return nil, errors.New("reactor: nil handler")
	}

	if cfg.SubReactors <= 0 {
		cfg.SubReactors = DefaultSubReactors
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.PollInterval < time.Millisecond {
		cfg.PollInterval = time.Millisecond
	}

	l := logger.OrNop(log).With(logger.Field{Key: "component", Value: "reactor"})
	r := &Reactor{
		cfg:      cfg,
		handler:  handler,
		log:      l,
		pending:  syncqueue.NewNonBlocking[int](cfg.AcceptQueueCapacity, l),
		stopCh:   make(chan struct{}),
		finished: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	srvCfg := peer.DefaultServerConfig(cfg.Host, cfg.Port)
	srvCfg.SendTimeout = cfg.SendTimeout

	var err error
	if r.server, err = peer.NewServer(srvCfg, log); err != nil {
		l.Error("cannot create listener", logger.Err(err))
		return nil, err
	}

	if err := r.setup(); err != nil {
		l.Error("cannot set up reactor", logger.Err(err))
		return nil, multierr.Append(err, r.release())
	}

	return r, nil
}

func (r *Reactor) setup() error {
	if err := r.server.SetNonblocking(); err != nil {
		return err
	}

	var err error
	if r.acceptor, err = NewPoller(1); err != nil {
		return err
	}

	if err := r.acceptor.Add(r.server.Fd()); err != nil {
		return err
	}

	for i := 0; i < r.cfg.SubReactors; i++ {
		p, err := NewPoller(r.cfg.MaxEvents)
		if err != nil {
			return err
		}

		r.subs = append(r.subs, &subReactor{
			id:     i,
			poller: p,
			conns:  safeset.NewSafeSet[int](),
			frames: make(map[int]*peer.FrameBuffer),
			log:    r.log.With(logger.Field{Key: "sub_reactor", Value: i}),
		})
	}

	return nil
}

// Addr returns the listening address.
func (r *Reactor) Addr() string {
	return r.server.Addr().String()
}

// State returns the current lifecycle state.
func (r *Reactor) State() State {
	return State(r.state.Load())
}

// Run serves connections until Stop is called or ctx is cancelled, observed
// within one poll interval. It returns after every sub-reactor has exited.
//
// Parameters:
//   - ctx: Cancelling it stops the reactor like Stop
//
// Returns:
//   - nil after a requested stop; ErrAlreadyRunning, ErrClosed, or a fatal
//     poll error otherwise
func (r *Reactor) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(Created), int32(Running)) {
		if r.State() == Stopped {
			return ErrClosed
		}

		return ErrAlreadyRunning
	}

	defer close(r.finished)
	defer r.state.Store(int32(Stopped))

	r.log.Info("reactor running",
		logger.Field{Key: "addr", Value: r.Addr()},
		logger.Field{Key: "sub_reactors", Value: len(r.subs)})

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range r.subs {
		sub := sub
		g.Go(func() error {
			return r.serve(gctx, sub)
		})
	}

	g.Go(func() error {
		return r.acceptLoop(gctx)
	})

	err := g.Wait()
	r.log.Info("reactor stopped")
	return err
}

// Stop asks Run to return. It does not close any descriptor; use Close.
// Idempotent.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})

	r.state.CompareAndSwap(int32(Running), int32(Stopping))
}

// Close stops the reactor, waits for Run to return and closes every owned
// descriptor, the pollers and the listener. Idempotent.
//
// Returns:
//   - The combined errors from releasing resources
func (r *Reactor) Close() error {
	r.closeOnce.Do(func() {
		r.Stop()
		if !r.state.CompareAndSwap(int32(Created), int32(Stopped)) {
			<-r.finished
		}

		r.closeErr = r.release()
	})

	return r.closeErr
}

func (r *Reactor) release() error {
	var err error

	r.pending.Stop()
	if fds, status := r.pending.TakeAll(); status == syncqueue.Success {
		for _, fd := range fds {
			err = multierr.Append(err, unix.Close(fd))
		}
	}

	for _, sub := range r.subs {
		for _, fd := range sub.conns.Drain() {
			err = multierr.Append(err, unix.Close(fd))
			r.metrics.ConnectionDropped()
		}

		err = multierr.Append(err, sub.poller.Close())
	}

	if r.acceptor != nil {
		err = multierr.Append(err, r.acceptor.Close())
	}

	return multierr.Append(err, r.server.Close())
}

func (r *Reactor) stopped(ctx context.Context) bool {
	select {
	case <-r.stopCh:
		return true
	case <-ctx.Done():
		r.state.CompareAndSwap(int32(Running), int32(Stopping))
		return true
	default:
		return false
	}
}

func (r *Reactor) acceptLoop(ctx context.Context) error {
	for !r.stopped(ctx) {
		ready, err := r.acceptor.Wait(r.cfg.PollInterval)
		if err != nil {
			r.log.Error("acceptor poll failed", logger.Err(err))
			return err
		}

		if len(ready) > 0 {
			r.acceptPending()
		}
	}

	return nil
}

// acceptPending accepts until the backlog is empty, as the listener is
// edge-triggered.
func (r *Reactor) acceptPending() {
	for {
		fd, err := r.server.Accept()
		if err != nil {
			if !errors.Is(err, peer.ErrWouldBlock) {
				r.log.Warn("accept failed", logger.Err(err))
			}

			return
		}

		if status := r.pending.Put(fd); status != syncqueue.Success {
			r.rejectBusy(fd, status)
			continue
		}

		r.metrics.ConnectionAccepted()
		r.log.Debug("connection accepted", logger.Field{Key: "fd", Value: fd})
	}
}

func (r *Reactor) rejectBusy(fd int, status syncqueue.Status) {
	r.metrics.BusyRejection()
	r.log.Warn("accept queue unavailable, rejecting connection",
		logger.Field{Key: "fd", Value: fd},
		logger.Field{Key: "status", Value: status.String()})

	if r.server.Send(fd, BusyMessage) {
		_ = unix.Close(fd)
	}
}

func (r *Reactor) serve(ctx context.Context, sub *subReactor) error {
	sub.log.Debug("sub-reactor started")
	defer sub.log.Debug("sub-reactor exited")

	for !r.stopped(ctx) {
		if fd, status := r.pending.Take(); status == syncqueue.Success {
			r.register(sub, fd)
		}

		ready, err := sub.poller.Wait(r.cfg.PollInterval)
		if err != nil {
			sub.log.Error("sub-reactor poll failed", logger.Err(err))
			return err
		}

		for _, fd := range ready {
			r.serveConn(sub, fd)
		}
	}

	return nil
}

func (r *Reactor) register(sub *subReactor, fd int) {
	if err := unix.SetNonblock(fd, true); err != nil {
		sub.log.Warn("cannot make connection non-blocking", logger.Field{Key: "fd", Value: fd}, logger.Err(err))
		_ = unix.Close(fd)
		return
	}

	if err := sub.poller.Add(fd); err != nil {
		sub.log.Warn("cannot watch connection", logger.Field{Key: "fd", Value: fd}, logger.Err(err))
		_ = unix.Close(fd)
		return
	}

	sub.conns.Add(fd)
	sub.frames[fd] = peer.NewFrameBuffer(0)
	r.metrics.ConnectionRegistered()
}

// serveConn reads everything buffered on fd and answers every complete
// frame. Edge-triggered readiness is reported once per arrival, so fd is read
// until it would block before returning to the poller. A partial frame stays
// in the connection's buffer until the next readiness event.
func (r *Reactor) serveConn(sub *subReactor, fd int) {
	fb, ok := sub.frames[fd]
	if !ok {
		return
	}

	for {
		open, drained := r.server.Fill(fd, fb)
		if !r.answer(sub, fd, fb) {
			return
		}

		if !open {
			r.drop(sub, fd)
			return
		}

		if drained {
			return
		}
	}
}

// answer serves the complete frames in fb. It reports false when the
// connection was dropped.
func (r *Reactor) answer(sub *subReactor, fd int, fb *peer.FrameBuffer) bool {
	for {
		frame, ok, err := fb.Next()
		if err != nil {
			sub.log.Warn("invalid frame, dropping connection", logger.Field{Key: "fd", Value: fd}, logger.Err(err))
			r.drop(sub, fd)
			return false
		}

		if !ok {
			return true
		}

		reply, err := r.process(frame)
		if err != nil {
			sub.log.Error("handler failed, dropping connection", logger.Field{Key: "fd", Value: fd}, logger.Err(err))
			r.drop(sub, fd)
			return false
		}

		if !r.server.Send(fd, reply) {
			r.forget(sub, fd)
			return false
		}

		r.metrics.FrameServed()
	}
}

// drop closes a connection that is still open and forgets it.
func (r *Reactor) drop(sub *subReactor, fd int) {
	_ = sub.poller.Remove(fd)
	_ = unix.Close(fd)
	r.forget(sub, fd)
}

// forget drops the bookkeeping for a descriptor that is already closed;
// closing it removed it from the poller.
func (r *Reactor) forget(sub *subReactor, fd int) {
	delete(sub.frames, fd)
	if sub.conns.Remove(fd) {
		r.metrics.ConnectionDropped()
		sub.log.Debug("connection dropped", logger.Field{Key: "fd", Value: fd})
	}
}

func (r *Reactor) process(frame []byte) ([]byte, error) {
	if r.pool == nil {
		return r.invoke(frame)
	}

	return cachedpool.Submit(r.pool, func() ([]byte, error) {
		return r.invoke(frame)
	}).Get(context.Background())
}

func (r *Reactor) invoke(frame []byte) (reply []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, rec)
		}
	}()

	return r.handler.Process(frame), nil
}
