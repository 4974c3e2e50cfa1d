//go:build linux

package peer

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// serveEcho accepts connections on s and echoes every frame back. When
// dropFirst is set the first connection is closed after its first frame
// without a reply.
func serveEcho(t *testing.T, s *Server, dropFirst bool) *atomic.Int32 {
	t.Helper()

	var accepted atomic.Int32
	go func() {
		for {
			fd, err := s.Accept()
			if err != nil {
				return
			}

			n := accepted.Add(1)
			go func(fd int, first bool) {
				for {
					payload, ok := s.Recv(fd)
					if !ok {
						return
					}

					if first && dropFirst {
						_ = unix.Close(fd)
						return
					}

					if !s.Send(fd, payload) {
						return
					}
				}
			}(fd, n == 1)
		}
	}()

	return &accepted
}

func newTestClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()

	c := NewClient(cfg, nil)
	t.Cleanup(func() {
		_ = c.Close()
	})

	return c
}

func TestClient_Connect(t *testing.T) {
	t.Run("starts disconnected and connects lazily", func(t *testing.T) {
		s := newTestServer(t)
		serveEcho(t, s, false)

		c := newTestClient(t, DefaultClientConfig(s.Addr().String()))
		assert.Equal(t, Disconnected, c.State())

		reply, err := c.Interact([]byte("ping"))
		require.NoError(t, err)
		assert.Equal(t, []byte("ping"), reply)
		assert.Equal(t, Connected, c.State())
	})

	t.Run("dial failure is reported and leaves the client disconnected", func(t *testing.T) {
		l, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())

		cfg := DefaultClientConfig(addr)
		cfg.DialTimeout = 200 * time.Millisecond
		c := newTestClient(t, cfg)

		assert.Error(t, c.Connect())
		assert.Equal(t, Disconnected, c.State())
	})
}

func TestClient_SendRecv(t *testing.T) {
	t.Run("send then recv round trips frames", func(t *testing.T) {
		s := newTestServer(t)
		serveEcho(t, s, false)

		c := newTestClient(t, DefaultClientConfig(s.Addr().String()))
		require.NoError(t, c.Connect())

		for _, msg := range []string{"a", "", "a longer message"} {
			require.NoError(t, c.Send([]byte(msg)))
			got, err := c.Recv()
			require.NoError(t, err)
			assert.Equal(t, msg, string(got))
		}
	})

	t.Run("recv times out when the server stays silent", func(t *testing.T) {
		s := newTestServer(t)
		fds := acceptOne(t, s)

		cfg := DefaultClientConfig(s.Addr().String())
		cfg.RecvTimeout = 50 * time.Millisecond
		cfg.ReconnectAttempts = 0
		c := newTestClient(t, cfg)
		require.NoError(t, c.Connect())
		waitFd(t, fds)

		start := time.Now()
		_, err := c.Recv()

		assert.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("a dropped connection fails the call and the next call reconnects", func(t *testing.T) {
		s := newTestServer(t)
		accepted := serveEcho(t, s, true)

		c := newTestClient(t, DefaultClientConfig(s.Addr().String()))

		_, err := c.Interact([]byte("lost"))
		require.Error(t, err)
		assert.Equal(t, Disconnected, c.State())
		assert.Equal(t, int32(1), accepted.Load())

		reply, err := c.Interact([]byte("retry me"))
		require.NoError(t, err)
		assert.Equal(t, []byte("retry me"), reply)
		assert.Equal(t, int32(2), accepted.Load())
	})

	t.Run("a timed out interaction is not sent again", func(t *testing.T) {
		s := newTestServer(t)

		var requests atomic.Int32
		go func() {
			for {
				fd, err := s.Accept()
				if err != nil {
					return
				}

				go func(fd int) {
					for {
						if _, ok := s.Recv(fd); !ok {
							return
						}

						requests.Add(1)
					}
				}(fd)
			}
		}()

		cfg := DefaultClientConfig(s.Addr().String())
		cfg.RecvTimeout = 150 * time.Millisecond
		c := newTestClient(t, cfg)

		start := time.Now()
		_, err := c.Interact([]byte("charge-card"))
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
		assert.Less(t, elapsed, 290*time.Millisecond)

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, int32(1), requests.Load())
	})

	t.Run("dial is retried up to the reconnect attempts", func(t *testing.T) {
		l, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())

		cfg := DefaultClientConfig(addr)
		cfg.ReconnectAttempts = 2
		cfg.DialTimeout = 200 * time.Millisecond
		c := newTestClient(t, cfg)

		_, err = c.Interact([]byte("nobody home"))
		assert.Error(t, err)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("concurrent interactions are serialized", func(t *testing.T) {
		s := newTestServer(t)
		serveEcho(t, s, false)

		c := newTestClient(t, DefaultClientConfig(s.Addr().String()))

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				msg := []byte{byte('a' + i)}
				reply, err := c.Interact(msg)
				assert.NoError(t, err)
				assert.Equal(t, msg, reply)
			}(i)
		}

		wg.Wait()
	})
}

func TestClient_Close(t *testing.T) {
	t.Run("operations after close fail", func(t *testing.T) {
		s := newTestServer(t)
		serveEcho(t, s, false)

		c := NewClient(DefaultClientConfig(s.Addr().String()), nil)
		require.NoError(t, c.Connect())

		require.NoError(t, c.Close())
		assert.NoError(t, c.Close())
		assert.Equal(t, Closed, c.State())

		assert.ErrorIs(t, c.Send([]byte("x")), ErrClosed)
		_, err := c.Recv()
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnState(42).String())
}
