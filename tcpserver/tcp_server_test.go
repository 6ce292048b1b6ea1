package tcpserver

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripperdev/flamingo/connection"
	"github.com/ripperdev/flamingo/metrics"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/sockets"
)

func startEchoServer(t *testing.T, threads int) (*TCPServer, *recorder) {
	t.Helper()

	th := reactor.NewEventLoopThread(reactor.DefaultConfig("main"), nil)
	loop, err := th.StartLoop()
	require.NoError(t, err)
	t.Cleanup(th.StopLoop)

	addr, err := sockets.NewInetAddress("127.0.0.1", 0)
	require.NoError(t, err)

	srv, err := NewTCPServer(loop, Config{
		Name:       "echo",
		ListenAddr: addr,
		NumThreads: threads,
		WorkerLoop: reactor.DefaultConfig(""),
	}, nil)
	require.NoError(t, err)
	srv.Metrics = metrics.NewMetricsWithRegistry("test", prometheus.NewRegistry())

	rec := &recorder{loops: make(map[*reactor.EventLoop]struct{})}
	srv.SetConnectionCallback(rec.onConnection)
	srv.SetMessageCallback(func(conn *connection.TcpConnection, buf *connection.Buffer, _ reactor.Timestamp) {
		conn.SendBuffer(buf)
	})

	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, rec
}

type recorder struct {
	mu    sync.Mutex
	loops map[*reactor.EventLoop]struct{}
	ups   atomic.Int32
	downs atomic.Int32
}

func (r *recorder) onConnection(conn *connection.TcpConnection) {
	if conn.Connected() {
		r.ups.Add(1)
		r.mu.Lock()
		r.loops[conn.Loop()] = struct{}{}
		r.mu.Unlock()
		return
	}

	r.downs.Add(1)
}

func (r *recorder) distinctLoops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops)
}

func dial(t *testing.T, srv *TCPServer) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", srv.IPPort(), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return c
}

func TestTCPServerEcho(t *testing.T) {
	srv, rec := startEchoServer(t, 2)

	t.Run("bound to an ephemeral port", func(t *testing.T) {
		assert.NotEqual(t, "127.0.0.1:0", srv.IPPort())
	})

	t.Run("echoes what it receives", func(t *testing.T) {
		c := dial(t, srv)
		defer c.Close()

		_, err := c.Write([]byte("hello flamingo"))
		require.NoError(t, err)

		buf := make([]byte, len("hello flamingo"))
		_, err = io.ReadFull(c, buf)
		require.NoError(t, err)
		assert.Equal(t, "hello flamingo", string(buf))
	})

	t.Run("connections spread over the workers", func(t *testing.T) {
		var conns []net.Conn
		for range 4 {
			conns = append(conns, dial(t, srv))
		}

		require.Eventually(t, func() bool { return srv.NumConnections() == 4 }, 3*time.Second, time.Millisecond)
		assert.Equal(t, 2, rec.distinctLoops())

		for _, c := range conns {
			require.NoError(t, c.Close())
		}

		require.Eventually(t, func() bool { return srv.NumConnections() == 0 }, 3*time.Second, time.Millisecond)
		assert.Eventually(t, func() bool { return rec.downs.Load() == rec.ups.Load() }, 3*time.Second, time.Millisecond)
	})
}

func TestTCPServerStop(t *testing.T) {
	t.Run("stop closes live connections", func(t *testing.T) {
		srv, rec := startEchoServer(t, 1)
		c := dial(t, srv)
		defer c.Close()

		require.Eventually(t, func() bool { return rec.ups.Load() == 1 }, 3*time.Second, time.Millisecond)

		srv.Stop()
		srv.Stop()
		assert.Equal(t, 0, srv.NumConnections())
		assert.Equal(t, int32(1), rec.downs.Load())

		_, err := c.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
		assert.ErrorIs(t, srv.Start(), ErrServerStopped)
	})

	t.Run("single threaded mode serves on the main loop", func(t *testing.T) {
		srv, rec := startEchoServer(t, 0)
		c := dial(t, srv)
		defer c.Close()

		_, err := c.Write([]byte("x"))
		require.NoError(t, err)
		_, err = io.ReadFull(c, make([]byte, 1))
		require.NoError(t, err)

		rec.mu.Lock()
		_, onMain := rec.loops[srv.Loop()]
		rec.mu.Unlock()
		assert.True(t, onMain)
	})
}
