// Package cachedpool implements an elastic worker pool. It starts a minimum
// number of workers, grows by one worker whenever a submission finds none
// idle, and lets workers that stay idle past a timeout exit while the pool is
// above its minimum. Work is never dropped: when the task queue cannot accept
// a task, the task runs in the submitting goroutine instead.
package cachedpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cyberinferno/go-netcore/idgenerator"
	"github.com/cyberinferno/go-netcore/logger"
	"github.com/cyberinferno/go-netcore/metrics"
	"github.com/cyberinferno/go-netcore/safemap"
	"github.com/cyberinferno/go-netcore/syncqueue"
)

const (
	DefaultMinWorkers    = 2
	DefaultMaxWorkers    = 1000
	DefaultQueueCapacity = 10000
	DefaultIdleTimeout   = 5 * time.Second
	DefaultPutTimeout    = 10 * time.Millisecond
	DefaultTakeTimeout   = time.Second
	DefaultShutdownGrace = time.Second
)

var (
	// ErrTaskPanicked is returned by Future.Get when the task panicked.
	ErrTaskPanicked = errors.New("cachedpool: task panicked")
	// ErrShutdownTimeout is returned by Shutdown when workers were abandoned.
	ErrShutdownTimeout = errors.New("cachedpool: shutdown grace period elapsed")
)

// Task is a unit of work executed by the pool.
type Task func()

// Config holds the sizing and timing parameters of a Pool.
type Config struct {
	// MinWorkers is the floor the pool never shrinks below; started eagerly.
	MinWorkers int
	// MaxWorkers is the ceiling for on-demand growth.
	MaxWorkers int
	// QueueCapacity bounds the number of pending tasks.
	QueueCapacity int
	// IdleTimeout is how long a worker may wait without work before it may exit.
	IdleTimeout time.Duration
	// PutTimeout is how long a submission waits on a full queue before running synchronously.
	PutTimeout time.Duration
	// TakeTimeout bounds each worker wait on the queue, and so the reaping latency.
	TakeTimeout time.Duration
	// ShutdownGrace is how long Shutdown waits for workers before abandoning them.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the standard pool configuration.
//
// Returns:
//   - A Config with 2..1000 workers, a 10000-task queue, 5s idle timeout,
//     10ms put timeout, 1s take timeout and 1s shutdown grace
func DefaultConfig() Config {
	return Config{
		MinWorkers:    DefaultMinWorkers,
		MaxWorkers:    DefaultMaxWorkers,
		QueueCapacity: DefaultQueueCapacity,
		IdleTimeout:   DefaultIdleTimeout,
		PutTimeout:    DefaultPutTimeout,
		TakeTimeout:   DefaultTakeTimeout,
		ShutdownGrace: DefaultShutdownGrace,
	}
}

func (c Config) validate() error {
	if c.MinWorkers < 0 {
		return fmt.Errorf("cachedpool: MinWorkers must be >= 0, got %d", c.MinWorkers)
	}

	if c.MaxWorkers <= 0 || c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("cachedpool: MaxWorkers must be > 0 and >= MinWorkers, got %d", c.MaxWorkers)
	}

	if c.IdleTimeout <= 0 || c.TakeTimeout <= 0 {
		return fmt.Errorf("cachedpool: IdleTimeout and TakeTimeout must be positive")
	}

	return nil
}

// Option customizes a Pool at construction.
type Option func(*Pool)

// WithClock sets the clock used to measure worker idleness.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) {
		p.clock = c
	}
}

// WithMetrics records pool activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers       int
	Idle          int
	Queued        int
	Completed     int64
	SyncFallbacks int64
}

type worker struct {
	id      uint64
	started time.Time
}

// Pool is an elastic worker pool. Create it with New, share it by pointer and
// release it with Shutdown.
type Pool struct {
	cfg     Config
	log     logger.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	tasks   *syncqueue.Queue[Task]
	workers *safemap.SafeMap[uint64, *worker]
	ids     *idgenerator.IdGenerator

	// mu serializes grow and reap decisions so the worker count stays
	// within [MinWorkers, MaxWorkers].
	mu        sync.Mutex
	current   atomic.Int32
	idle      atomic.Int32
	running   atomic.Bool
	closing   atomic.Bool
	completed atomic.Int64
	fallbacks atomic.Int64
	wg        sync.WaitGroup
}

// New creates a Pool and starts cfg.MinWorkers workers.
//
// Parameters:
//   - cfg: Pool sizing and timing (see DefaultConfig)
//   - log: Logger for lifecycle events; nil disables logging
//   - opts: Optional clock and metrics injection
//
// Returns:
//   - The running Pool, or an error if cfg is invalid
func New(cfg Config, log logger.Logger, opts ...Option) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.PutTimeout <= 0 {
		cfg.PutTimeout = DefaultPutTimeout
	}

	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	l := logger.OrNop(log).With(logger.Field{Key: "component", Value: "cachedpool"})
	p := &Pool{
		cfg:     cfg,
		log:     l,
		clock:   clock.New(),
		tasks:   syncqueue.New[Task](cfg.QueueCapacity, l),
		workers: safemap.NewSafeMap[uint64, *worker](),
		ids:     idgenerator.NewIdGenerator(0),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.running.Store(true)

	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.log.Info("pool started",
		logger.Field{Key: "min_workers", Value: cfg.MinWorkers},
		logger.Field{Key: "max_workers", Value: cfg.MaxWorkers})

	return p, nil
}

// Execute schedules fn without a result handle. If the queue is full or the
// pool is shut down, fn runs in the calling goroutine before Execute returns.
// A panic in fn is recovered and logged.
//
// Parameters:
//   - fn: The work to run
func (p *Pool) Execute(fn func()) {
	p.dispatch(fn)
}

// Workers returns the current number of workers.
func (p *Pool) Workers() int {
	return int(p.current.Load())
}

// Stats returns counters describing the pool.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:       int(p.current.Load()),
		Idle:          int(p.idle.Load()),
		Queued:        p.tasks.Len(),
		Completed:     p.completed.Load(),
		SyncFallbacks: p.fallbacks.Load(),
	}
}

// Shutdown stops accepting queued work and waits for workers to finish. The
// queue is stopped first so workers get a short chance to drain it; workers
// still busy when the grace period or ctx ends are abandoned, not killed.
// Shutdown is idempotent.
//
// Parameters:
//   - ctx: Bounds the wait in addition to Config.ShutdownGrace
//
// Returns:
//   - nil if every worker exited, ErrShutdownTimeout or ctx.Err() otherwise
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.closing.CompareAndSwap(false, true) {
		return nil
	}

	p.tasks.Stop()
	p.running.Store(false)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		p.log.Info("pool stopped")
		return nil
	case <-grace.C:
		n := p.workers.Len()
		p.log.Warn("pool shutdown abandoned busy workers", logger.Field{Key: "workers", Value: n})
		return fmt.Errorf("%w: %d workers still running", ErrShutdownTimeout, n)
	case <-ctx.Done():
		p.log.Warn("pool shutdown interrupted", logger.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (p *Pool) dispatch(task Task) {
	if status := p.tasks.Put(task, p.cfg.PutTimeout); status != syncqueue.Success {
		p.log.Warn("cannot queue task, running it in caller", logger.Field{Key: "status", Value: status.String()})
		p.fallbacks.Add(1)
		p.metrics.SyncFallback()
		p.runTask(task)
		return
	}

	p.metrics.SetQueuedTasks(p.tasks.Len())
	p.growIfStarved()
}

// growIfStarved adds one worker when none is idle and the ceiling allows it.
func (p *Pool) growIfStarved() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return
	}

	if p.idle.Load() <= 0 && int(p.current.Load()) < p.cfg.MaxWorkers {
		p.spawnLocked()
	}
}

// spawnLocked starts one worker; caller must hold p.mu.
func (p *Pool) spawnLocked() {
	w := &worker{id: p.ids.Id(), started: p.clock.Now()}
	p.workers.Store(w.id, w)
	p.current.Add(1)
	p.idle.Add(1)
	p.metrics.SetPoolSize(int(p.current.Load()), int(p.idle.Load()))

	p.wg.Add(1)
	go p.work(w)

	p.log.Debug("worker started",
		logger.Field{Key: "worker", Value: w.id},
		logger.Field{Key: "workers", Value: p.current.Load()})
}

func (p *Pool) work(w *worker) {
	defer p.wg.Done()

	lastActive := p.clock.Now()
	for p.running.Load() {
		if p.tasks.IsEmpty() && p.reapIfIdle(w, lastActive) {
			return
		}

		task, status := p.tasks.Take(p.cfg.TakeTimeout)
		if status == syncqueue.Stopped {
			break
		}

		if status != syncqueue.Success {
			continue
		}

		p.idle.Add(-1)
		p.metrics.SetQueuedTasks(p.tasks.Len())
		p.runTask(task)
		p.idle.Add(1)
		lastActive = p.clock.Now()
	}

	p.mu.Lock()
	p.removeLocked(w)
	p.mu.Unlock()
}

// reapIfIdle retires w when it has been idle for IdleTimeout and the pool is
// above its floor.
func (p *Pool) reapIfIdle(w *worker, lastActive time.Time) bool {
	idleFor := p.clock.Since(lastActive)
	if idleFor < p.cfg.IdleTimeout {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if int(p.current.Load()) <= p.cfg.MinWorkers {
		return false
	}

	p.removeLocked(w)
	p.metrics.WorkerReaped()
	p.log.Debug("idle worker exited",
		logger.Field{Key: "worker", Value: w.id},
		logger.Field{Key: "idle_for", Value: idleFor.String()},
		logger.Field{Key: "lifetime", Value: p.clock.Since(w.started).String()},
		logger.Field{Key: "workers", Value: p.current.Load()})

	return true
}

// removeLocked drops w from the bookkeeping; caller must hold p.mu.
func (p *Pool) removeLocked(w *worker) {
	if _, ok := p.workers.LoadAndDelete(w.id); !ok {
		return
	}

	p.current.Add(-1)
	p.idle.Add(-1)
	p.metrics.SetPoolSize(int(p.current.Load()), int(p.idle.Load()))
}

func (p *Pool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}

		p.completed.Add(1)
		p.metrics.TaskCompleted()
	}()

	task()
}
