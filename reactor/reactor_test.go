//go:build linux

package reactor

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-netcore/cachedpool"
	"github.com/cyberinferno/go-netcore/metrics"
	"github.com/cyberinferno/go-netcore/peer"
)

var echo = HandlerFunc(func(frame []byte) []byte {
	return frame
})

func testConfig() Config {
	return DefaultConfig("127.0.0.1", 0)
}

// startReactor runs r in the background and closes it when the test ends.
func startReactor(t *testing.T, cfg Config, h Handler, opts ...Option) *Reactor {
	t.Helper()

	r, err := New(cfg, h, nil, opts...)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		errs <- r.Run(context.Background())
	}()

	t.Cleanup(func() {
		assert.NoError(t, r.Close())
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Run did not return")
		}
	})

	require.Eventually(t, func() bool { return r.State() == Running }, time.Second, time.Millisecond)
	return r
}

func dial(t *testing.T, r *Reactor) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", r.Addr())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}

func interact(t *testing.T, conn net.Conn, payload []byte) []byte {
	t.Helper()

	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, peer.WriteFrame(conn, payload))
	reply, err := peer.ReadFrame(conn, 0)
	require.NoError(t, err)
	return reply
}

func TestNew(t *testing.T) {
	t.Run("rejects a nil handler", func(t *testing.T) {
		_, err := New(testConfig(), nil, nil)
		assert.Error(t, err)
	})

	t.Run("fails when the address is taken", func(t *testing.T) {
		l, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()

		cfg := DefaultConfig("127.0.0.1", l.Addr().(*net.TCPAddr).Port)
		_, err = New(cfg, echo, nil)
		assert.Error(t, err)
	})

	t.Run("starts in created state", func(t *testing.T) {
		r, err := New(testConfig(), echo, nil)
		require.NoError(t, err)
		defer r.Close()

		assert.Equal(t, Created, r.State())
		assert.NotEmpty(t, r.Addr())
	})
}

func TestReactor_Serve(t *testing.T) {
	t.Run("echoes a frame", func(t *testing.T) {
		r := startReactor(t, testConfig(), echo)
		conn := dial(t, r)

		assert.Equal(t, []byte("hello"), interact(t, conn, []byte("hello")))
		assert.Equal(t, []byte{}, interact(t, conn, []byte{}))
	})

	t.Run("answers pipelined frames in order", func(t *testing.T) {
		r := startReactor(t, testConfig(), echo)
		conn := dial(t, r)

		var wire bytes.Buffer
		for _, msg := range []string{"one", "two", "three"} {
			wire.Write(peer.EncodeFrame([]byte(msg)))
		}

		require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
		_, err := conn.Write(wire.Bytes())
		require.NoError(t, err)

		for _, want := range []string{"one", "two", "three"} {
			got, err := peer.ReadFrame(conn, 0)
			require.NoError(t, err)
			assert.Equal(t, want, string(got))
		}
	})

	t.Run("serves concurrent clients independently", func(t *testing.T) {
		r := startReactor(t, testConfig(), HandlerFunc(func(frame []byte) []byte {
			return append([]byte("re:"), frame...)
		}))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				conn, err := net.Dial("tcp", r.Addr())
				if !assert.NoError(t, err) {
					return
				}
				defer conn.Close()

				_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
				for j := 0; j < 10; j++ {
					msg := []byte{byte('a' + i), byte('0' + j)}
					if !assert.NoError(t, peer.WriteFrame(conn, msg)) {
						return
					}

					reply, err := peer.ReadFrame(conn, 0)
					if !assert.NoError(t, err) {
						return
					}

					assert.Equal(t, append([]byte("re:"), msg...), reply)
				}
			}(i)
		}

		wg.Wait()
	})

	t.Run("a client vanishing mid-frame does not affect others", func(t *testing.T) {
		m, err := metrics.New(nil)
		require.NoError(t, err)

		r := startReactor(t, testConfig(), echo, WithMetrics(m))
		good := dial(t, r)
		bad := dial(t, r)

		assert.Equal(t, []byte("first"), interact(t, good, []byte("first")))

		hdr := make([]byte, peer.HeaderSize)
		binary.BigEndian.PutUint32(hdr, 100)
		_, err = bad.Write(append(hdr, "partial"...))
		require.NoError(t, err)
		require.NoError(t, bad.Close())

		require.Eventually(t, func() bool {
			return testutil.ToFloat64(m.ReactorDroppedConns) == 1
		}, 2*time.Second, 5*time.Millisecond)

		assert.Equal(t, []byte("second"), interact(t, good, []byte("second")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ReactorActiveConnections))
	})

	t.Run("a client holding a partial frame does not stall its sub-reactor", func(t *testing.T) {
		cfg := testConfig()
		cfg.SubReactors = 1
		r := startReactor(t, cfg, echo)

		slow := dial(t, r)
		good := dial(t, r)
		assert.Equal(t, []byte("warm"), interact(t, good, []byte("warm")))

		wire := peer.EncodeFrame([]byte("slowly"))
		_, err := slow.Write(wire[:peer.HeaderSize+2])
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)

		start := time.Now()
		assert.Equal(t, []byte("quick"), interact(t, good, []byte("quick")))
		assert.Less(t, time.Since(start), 500*time.Millisecond)

		_, err = slow.Write(wire[peer.HeaderSize+2:])
		require.NoError(t, err)
		require.NoError(t, slow.SetReadDeadline(time.Now().Add(2*time.Second)))
		reply, err := peer.ReadFrame(slow, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("slowly"), reply)
	})

	t.Run("a panicking handler drops only that connection", func(t *testing.T) {
		r := startReactor(t, testConfig(), HandlerFunc(func(frame []byte) []byte {
			if string(frame) == "panic" {
				panic("boom")
			}

			return frame
		}))

		victim := dial(t, r)
		other := dial(t, r)

		require.NoError(t, peer.WriteFrame(victim, []byte("panic")))
		require.NoError(t, victim.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err := peer.ReadFrame(victim, 0)
		assert.Error(t, err)

		assert.Equal(t, []byte("fine"), interact(t, other, []byte("fine")))
	})

	t.Run("runs the handler on an injected pool", func(t *testing.T) {
		pool, err := cachedpool.New(cachedpool.DefaultConfig(), nil)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = pool.Shutdown(context.Background())
		})

		r := startReactor(t, testConfig(), echo, WithPool(pool))
		conn := dial(t, r)

		assert.Equal(t, []byte("pooled"), interact(t, conn, []byte("pooled")))
		assert.GreaterOrEqual(t, pool.Stats().Completed, int64(1))
	})
}

func TestReactor_Busy(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)

	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	handler := HandlerFunc(func(frame []byte) []byte {
		if string(frame) == "block" {
			entered <- struct{}{}
			<-gate
		}

		return frame
	})

	cfg := testConfig()
	cfg.SubReactors = 1
	cfg.AcceptQueueCapacity = 2
	r := startReactor(t, cfg, handler, WithMetrics(m))

	// occupy the only sub-reactor so the accept queue cannot drain
	blocker := dial(t, r)
	require.NoError(t, peer.WriteFrame(blocker, []byte("block")))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not reached")
	}

	conns := []net.Conn{dial(t, r), dial(t, r), dial(t, r)}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ReactorBusyRejections) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var busy int
	var waiting []net.Conn
	for _, c := range conns {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		msg, err := peer.ReadFrame(c, 0)
		if err == nil {
			assert.Equal(t, BusyMessage, msg)
			busy++
			continue
		}

		waiting = append(waiting, c)
	}

	require.Equal(t, 1, busy, "exactly one connection must be rejected")
	require.Len(t, waiting, 2)

	close(gate)
	require.NoError(t, blocker.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply, err := peer.ReadFrame(blocker, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("block"), reply)

	for i, c := range waiting {
		msg := []byte{byte('x' + i)}
		assert.Equal(t, msg, interact(t, c, msg))
	}
}

func TestReactor_Lifecycle(t *testing.T) {
	t.Run("sub-millisecond poll interval is raised to one millisecond", func(t *testing.T) {
		cfg := testConfig()
		cfg.PollInterval = 100 * time.Microsecond
		r, err := New(cfg, echo, nil)
		require.NoError(t, err)
		defer r.Close()

		assert.Equal(t, time.Millisecond, r.cfg.PollInterval)
	})

	t.Run("stop makes run return", func(t *testing.T) {
		r, err := New(testConfig(), echo, nil)
		require.NoError(t, err)
		defer r.Close()

		errs := make(chan error, 1)
		go func() {
			errs <- r.Run(context.Background())
		}()

		require.Eventually(t, func() bool { return r.State() == Running }, time.Second, time.Millisecond)
		r.Stop()
		r.Stop()

		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after Stop")
		}

		assert.Equal(t, Stopped, r.State())
	})

	t.Run("context cancellation makes run return", func(t *testing.T) {
		r, err := New(testConfig(), echo, nil)
		require.NoError(t, err)
		defer r.Close()

		ctx, cancel := context.WithCancel(context.Background())
		errs := make(chan error, 1)
		go func() {
			errs <- r.Run(ctx)
		}()

		require.Eventually(t, func() bool { return r.State() == Running }, time.Second, time.Millisecond)
		cancel()

		select {
		case <-errs:
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}

		assert.Equal(t, Stopped, r.State())
	})

	t.Run("second run is rejected", func(t *testing.T) {
		r := startReactor(t, testConfig(), echo)
		assert.ErrorIs(t, r.Run(context.Background()), ErrAlreadyRunning)
	})

	t.Run("run after close is rejected", func(t *testing.T) {
		r, err := New(testConfig(), echo, nil)
		require.NoError(t, err)

		require.NoError(t, r.Close())
		assert.NoError(t, r.Close())
		assert.ErrorIs(t, r.Run(context.Background()), ErrClosed)
	})

	t.Run("close disconnects served clients", func(t *testing.T) {
		r, err := New(testConfig(), echo, nil)
		require.NoError(t, err)

		go func() {
			_ = r.Run(context.Background())
		}()

		conn := dial(t, r)
		assert.Equal(t, []byte("hi"), interact(t, conn, []byte("hi")))

		require.NoError(t, r.Close())

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err = peer.ReadFrame(conn, 0)
		assert.Error(t, err)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Created", Created.String())
	assert.Equal(t, "Running", Running.String())
	assert.Equal(t, "Stopping", Stopping.String())
	assert.Equal(t, "Stopped", Stopped.String())
	assert.Equal(t, "Unknown", State(9).String())
}
