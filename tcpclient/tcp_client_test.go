package tcpclient

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripperdev/flamingo/connection"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/sockets"
)

func startLoop(t *testing.T) *reactor.EventLoop {
	t.Helper()
	th := reactor.NewEventLoopThread(reactor.DefaultConfig("client"), nil)
	loop, err := th.StartLoop()
	require.NoError(t, err)
	t.Cleanup(th.StopLoop)
	return loop
}

func runSync(loop *reactor.EventLoop, fn func()) {
	done := make(chan struct{})
	loop.RunInLoop(func() {
		fn()
		close(done)
	})
	<-done
}

func inetAddr(t *testing.T, addr net.Addr) sockets.InetAddress {
	t.Helper()
	a, err := sockets.ParseInetAddress(addr.String())
	require.NoError(t, err)
	return a
}

// freeAddr returns a loopback address nobody listens on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestTcpClient(t *testing.T) {
	t.Run("connects and exchanges data", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		loop := startLoop(t)
		client := NewTcpClient(loop, inetAddr(t, ln.Addr()), "test", nil)

		var ups atomic.Int32
		got := make(chan string, 1)
		client.SetConnectionCallback(func(conn *connection.TcpConnection) {
			if conn.Connected() {
				ups.Add(1)
				conn.SendString("ping")
			}
		})
		client.SetMessageCallback(func(_ *connection.TcpConnection, buf *connection.Buffer, _ reactor.Timestamp) {
			got <- buf.RetrieveAllAsString()
		})
		client.Connect()

		server, err := ln.Accept()
		require.NoError(t, err)
		defer server.Close()
		require.NoError(t, server.SetDeadline(time.Now().Add(5*time.Second)))

		buf := make([]byte, 4)
		_, err = io.ReadFull(server, buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf))

		_, err = server.Write([]byte("pong"))
		require.NoError(t, err)
		select {
		case s := <-got:
			assert.Equal(t, "pong", s)
		case <-time.After(3 * time.Second):
			t.Fatal("no reply")
		}

		assert.Equal(t, int32(1), ups.Load())
		require.NotNil(t, client.Connection())
		assert.Contains(t, client.Connection().Name(), "test:")

		client.Close()
		_, err = server.Read(buf)
		assert.ErrorIs(t, err, io.EOF)
		assert.Eventually(t, func() bool { return client.Connection() == nil }, 3*time.Second, time.Millisecond)
	})

	t.Run("retries until the server appears", func(t *testing.T) {
		addr := freeAddr(t)
		loop := startLoop(t)

		client := NewTcpClient(loop, inetAddr(t, mustResolve(t, addr)), "retry", nil)
		connected := make(chan struct{}, 1)
		client.SetConnectionCallback(func(conn *connection.TcpConnection) {
			if conn.Connected() {
				connected <- struct{}{}
			}
		})
		client.Connect()
		defer client.Close()

		var delay time.Duration
		require.Eventually(t, func() bool {
			runSync(loop, func() { delay = client.connector.retryDelay })
			return delay > InitRetryDelay
		}, 3*time.Second, 5*time.Millisecond)

		ln, err := net.Listen("tcp", addr)
		require.NoError(t, err)
		defer ln.Close()

		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatal("client never connected")
		}
	})
}

func TestConnector(t *testing.T) {
	t.Run("backoff doubles and caps", func(t *testing.T) {
		loop := startLoop(t)
		c := NewConnector(loop, inetAddr(t, mustResolve(t, freeAddr(t))), nil)

		var delays []time.Duration
		var err error
		runSync(loop, func() {
			c.connect.Store(true)
			for range 10 {
				var fd int
				if fd, err = sockets.CreateNonblocking(c.serverAddr.Family()); err != nil {
					return
				}
				c.retry(fd)
				delays = append(delays, c.retryDelay)
				loop.Remove(c.retryTimer)
			}
		})
		require.NoError(t, err)
		require.Len(t, delays, 10)

		assert.Equal(t, time.Second, delays[0])
		assert.Equal(t, 2*time.Second, delays[1])
		assert.Equal(t, MaxRetryDelay, delays[len(delays)-1])
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("stop cancels pending retries", func(t *testing.T) {
		loop := startLoop(t)
		c := NewConnector(loop, inetAddr(t, mustResolve(t, freeAddr(t))), nil)
		var handed atomic.Int32
		c.SetNewConnectionHandler(func(fd int) {
			handed.Add(1)
			_ = sockets.Close(fd)
		})

		c.Start()
		c.Stop()
		runSync(loop, func() {})

		assert.Equal(t, Disconnected, c.State())
		assert.Equal(t, int32(0), handed.Load())
		assert.Equal(t, "Connecting", Connecting.String())
	})
}

func mustResolve(t *testing.T, addr string) net.Addr {
	t.Helper()
	a, err := net.ResolveTCPAddr("tcp", addr)
	require.NoError(t, err)
	return a
}
