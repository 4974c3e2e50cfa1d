// Package metrics exposes Prometheus collectors for the worker pool, the
// reactor and the peer-state exchange. All recording methods are safe to call
// on a nil *Metrics, so components can run uninstrumented.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "netcore"

// Metrics groups the collectors recorded by netcore components.
type Metrics struct {
	PoolWorkers        prometheus.Gauge
	PoolIdleWorkers    prometheus.Gauge
	PoolQueuedTasks    prometheus.Gauge
	PoolCompletedTasks prometheus.Counter
	PoolSyncFallbacks  prometheus.Counter
	PoolReapedWorkers  prometheus.Counter

	ReactorAccepted          prometheus.Counter
	ReactorBusyRejections    prometheus.Counter
	ReactorActiveConnections prometheus.Gauge
	ReactorFramesServed      prometheus.Counter
	ReactorDroppedConns      prometheus.Counter

	PeerStatesReceived prometheus.Counter
	PeerStatesRejected prometheus.Counter
}

// New creates the collectors and registers them with reg.
//
// Parameters:
//   - reg: Registerer to add the collectors to; nil skips registration
//
// Returns:
//   - The Metrics, or an error if registration fails (e.g. duplicate names)
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		PoolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "pool", Name: "workers",
			Help: "Current number of pool workers.",
		}),
		PoolIdleWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "pool", Name: "idle_workers",
			Help: "Workers currently waiting for a task.",
		}),
		PoolQueuedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "pool", Name: "queued_tasks",
			Help: "Tasks waiting in the pool queue.",
		}),
		PoolCompletedTasks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "pool", Name: "completed_tasks_total",
			Help: "Tasks run to completion, including synchronous fallbacks.",
		}),
		PoolSyncFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "pool", Name: "sync_fallbacks_total",
			Help: "Tasks executed in the submitting goroutine because the queue was full or stopped.",
		}),
		PoolReapedWorkers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "pool", Name: "reaped_workers_total",
			Help: "Workers that exited after exceeding the idle timeout.",
		}),
		ReactorAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "reactor", Name: "accepted_total",
			Help: "Connections accepted by the acceptor loop.",
		}),
		ReactorBusyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "reactor", Name: "busy_rejections_total",
			Help: "Connections answered with the busy notice because the accept queue was full.",
		}),
		ReactorActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: "reactor", Name: "active_connections",
			Help: "Connections registered with a sub-reactor.",
		}),
		ReactorFramesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "reactor", Name: "frames_served_total",
			Help: "Request frames answered by the handler.",
		}),
		ReactorDroppedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "reactor", Name: "dropped_connections_total",
			Help: "Connections closed after a peer close or an I/O failure.",
		}),
		PeerStatesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "peerstate", Name: "received_total",
			Help: "Remote peer-state records queued for the application.",
		}),
		PeerStatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: "peerstate", Name: "rejected_total",
			Help: "Datagrams discarded as malformed, self-originated or undeliverable.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PoolWorkers, m.PoolIdleWorkers, m.PoolQueuedTasks, m.PoolCompletedTasks,
		m.PoolSyncFallbacks, m.PoolReapedWorkers,
		m.ReactorAccepted, m.ReactorBusyRejections, m.ReactorActiveConnections,
		m.ReactorFramesServed, m.ReactorDroppedConns,
		m.PeerStatesReceived, m.PeerStatesRejected,
	}
}

// SetPoolSize records the worker and idle-worker counts.
func (m *Metrics) SetPoolSize(workers, idle int) {
	if m == nil {
		return
	}

	m.PoolWorkers.Set(float64(workers))
	m.PoolIdleWorkers.Set(float64(idle))
}

// SetQueuedTasks records the pool queue length.
func (m *Metrics) SetQueuedTasks(n int) {
	if m == nil {
		return
	}

	m.PoolQueuedTasks.Set(float64(n))
}

// TaskCompleted counts one finished task.
func (m *Metrics) TaskCompleted() {
	if m == nil {
		return
	}

	m.PoolCompletedTasks.Inc()
}

// SyncFallback counts one task run in the caller's goroutine.
func (m *Metrics) SyncFallback() {
	if m == nil {
		return
	}

	m.PoolSyncFallbacks.Inc()
}

// WorkerReaped counts one idle worker exit.
func (m *Metrics) WorkerReaped() {
	if m == nil {
		return
	}

	m.PoolReapedWorkers.Inc()
}

// ConnectionAccepted counts one accepted connection.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}

	m.ReactorAccepted.Inc()
}

// BusyRejection counts one connection turned away with the busy notice.
func (m *Metrics) BusyRejection() {
	if m == nil {
		return
	}

	m.ReactorBusyRejections.Inc()
}

// ConnectionRegistered increments the active connection gauge.
func (m *Metrics) ConnectionRegistered() {
	if m == nil {
		return
	}

	m.ReactorActiveConnections.Inc()
}

// ConnectionDropped decrements the active connection gauge and counts the drop.
func (m *Metrics) ConnectionDropped() {
	if m == nil {
		return
	}

	m.ReactorActiveConnections.Dec()
	m.ReactorDroppedConns.Inc()
}

// FrameServed counts one answered request frame.
func (m *Metrics) FrameServed() {
	if m == nil {
		return
	}

	m.ReactorFramesServed.Inc()
}

// PeerStateReceived counts one queued remote state.
func (m *Metrics) PeerStateReceived() {
	if m == nil {
		return
	}

	m.PeerStatesReceived.Inc()
}

// PeerStateRejected counts one discarded datagram.
func (m *Metrics) PeerStateRejected() {
	if m == nil {
		return
	}

	m.PeerStatesRejected.Inc()
}
