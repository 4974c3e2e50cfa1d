package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("registers every collector", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := New(reg)
		require.NoError(t, err)
		require.NotNil(t, m)

		families, err := reg.Gather()
		require.NoError(t, err)
		assert.Len(t, families, len(m.collectors()))
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := New(reg)
		require.NoError(t, err)

		_, err = New(reg)
		assert.Error(t, err)
	})

	t.Run("nil registerer skips registration", func(t *testing.T) {
		m, err := New(nil)
		require.NoError(t, err)
		assert.NotNil(t, m)
	})
}

func TestMetrics_Recording(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	m.SetPoolSize(5, 2)
	m.SetQueuedTasks(7)
	m.TaskCompleted()
	m.TaskCompleted()
	m.SyncFallback()
	m.WorkerReaped()
	m.ConnectionAccepted()
	m.BusyRejection()
	m.ConnectionRegistered()
	m.ConnectionRegistered()
	m.ConnectionDropped()
	m.FrameServed()
	m.PeerStateReceived()
	m.PeerStateRejected()

	assert.Equal(t, 5.0, testutil.ToFloat64(m.PoolWorkers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PoolIdleWorkers))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.PoolQueuedTasks))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PoolCompletedTasks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolSyncFallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PoolReapedWorkers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReactorAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReactorBusyRejections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReactorActiveConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReactorDroppedConns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReactorFramesServed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeerStatesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeerStatesRejected))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetPoolSize(1, 1)
		m.SetQueuedTasks(1)
		m.TaskCompleted()
		m.SyncFallback()
		m.WorkerReaped()
		m.ConnectionAccepted()
		m.BusyRejection()
		m.ConnectionRegistered()
		m.ConnectionDropped()
		m.FrameServed()
		m.PeerStateReceived()
		m.PeerStateRejected()
	})
}
