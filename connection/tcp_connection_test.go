package connection

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/sockets"
)

type connFixture struct {
	loop   *reactor.EventLoop
	conn   *TcpConnection
	peerFd int

	ups      atomic.Int32
	downs    atomic.Int32
	closes   atomic.Int32
	received chan []byte
	closed   chan struct{}
}

func runSync(loop *reactor.EventLoop, fn func()) {
	done := make(chan struct{})
	loop.RunInLoop(func() {
		fn()
		close(done)
	})
	<-done
}

// newConnFixture wires a TcpConnection to one end of a socketpair; the test
// drives the other end directly.
func newConnFixture(t *testing.T) *connFixture {
	t.Helper()

	th := reactor.NewEventLoopThread(reactor.DefaultConfig("conn-test"), nil)
	loop, err := th.StartLoop()
	require.NoError(t, err)
	t.Cleanup(th.StopLoop)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })

	f := &connFixture{
		loop:     loop,
		peerFd:   fds[1],
		received: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}

	f.conn = NewTcpConnection(loop, "test#1", fds[0], sockets.InetAddress{}, sockets.InetAddress{}, nil)
	f.conn.SetConnectionCallback(func(c *TcpConnection) {
		if c.Connected() {
			f.ups.Add(1)
		} else {
			f.downs.Add(1)
		}
	})
	f.conn.SetMessageCallback(func(_ *TcpConnection, buf *Buffer, _ reactor.Timestamp) {
		f.received <- buf.RetrieveAsBytes(buf.ReadableBytes())
	})
	f.conn.SetCloseCallback(func(c *TcpConnection) {
		f.closes.Add(1)
		c.Loop().QueueInLoop(func() {
			c.ConnectDestroyed()
			close(f.closed)
		})
	})

	runSync(loop, f.conn.ConnectEstablished)
	require.True(t, f.conn.Connected())
	return f
}

func (f *connFixture) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("connection never closed")
	}
}

func readPeer(t *testing.T, fd int, want int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(3 * time.Second)
	for len(out) < want && time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if err != nil {
			require.True(t, errors.Is(err, unix.EAGAIN), "unexpected read error %v", err)
			time.Sleep(time.Millisecond)
			continue
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	return out
}

func TestTcpConnectionReadWrite(t *testing.T) {
	f := newConnFixture(t)
	assert.Equal(t, int32(1), f.ups.Load())

	t.Run("peer bytes reach the message callback", func(t *testing.T) {
		_, err := unix.Write(f.peerFd, []byte("hello"))
		require.NoError(t, err)

		select {
		case got := <-f.received:
			assert.Equal(t, "hello", string(got))
		case <-time.After(3 * time.Second):
			t.Fatal("message callback never ran")
		}
	})

	t.Run("send from another goroutine reaches the peer", func(t *testing.T) {
		data := []byte("world")
		f.conn.Send(data)
		data[0] = 'X'
		assert.Equal(t, "world", string(readPeer(t, f.peerFd, 5)))
	})

	t.Run("context round trips", func(t *testing.T) {
		assert.Nil(t, f.conn.Context())
		f.conn.SetContext(42)
		assert.Equal(t, 42, f.conn.Context())
	})

	t.Run("peer close tears the connection down once", func(t *testing.T) {
		require.NoError(t, unix.Shutdown(f.peerFd, unix.SHUT_WR))
		f.waitClosed(t)

		assert.Equal(t, int32(1), f.downs.Load())
		assert.Equal(t, int32(1), f.closes.Load())
		assert.True(t, f.conn.Disconnected())

		f.conn.Send([]byte("dropped"))
		f.conn.ForceClose()
		runSync(f.loop, func() {})
		assert.Equal(t, int32(1), f.closes.Load())
	})
}

func TestTcpConnectionHighWaterMark(t *testing.T) {
	f := newConnFixture(t)

	var marks atomic.Int32
	var queued atomic.Int64
	f.conn.SetHighWaterMarkCallback(func(_ *TcpConnection, n int) {
		marks.Add(1)
		queued.Store(int64(n))
	}, 1024*1024)

	chunk := bytes.Repeat([]byte{'h'}, 2*1024*1024)
	for range 3 {
		f.conn.Send(chunk)
	}

	var outstanding int
	runSync(f.loop, func() { outstanding = f.conn.OutputBuffer().ReadableBytes() })
	// the callback is queued behind the sends
	runSync(f.loop, func() {})

	assert.Equal(t, int32(1), marks.Load())
	assert.GreaterOrEqual(t, queued.Load(), int64(1024*1024))
	assert.Greater(t, outstanding, 4*1024*1024)

	f.conn.ForceClose()
	f.waitClosed(t)
}

func TestTcpConnectionClose(t *testing.T) {
	t.Run("force close twice fires callbacks once", func(t *testing.T) {
		f := newConnFixture(t)
		f.conn.ForceClose()
		f.conn.ForceClose()
		f.waitClosed(t)
		runSync(f.loop, func() {})

		assert.Equal(t, int32(1), f.downs.Load())
		assert.Equal(t, int32(1), f.closes.Load())
		assert.Empty(t, readPeer(t, f.peerFd, 1))
	})

	t.Run("shutdown flushes then half closes", func(t *testing.T) {
		f := newConnFixture(t)

		var completes atomic.Int32
		f.conn.SetWriteCompleteCallback(func(*TcpConnection) { completes.Add(1) })
		f.conn.Send([]byte("bye"))
		f.conn.Shutdown()
		assert.Equal(t, Disconnecting, f.conn.State())

		assert.Equal(t, "bye", string(readPeer(t, f.peerFd, 100)))
		assert.Eventually(t, func() bool { return completes.Load() == 1 }, 3*time.Second, time.Millisecond)

		require.NoError(t, unix.Shutdown(f.peerFd, unix.SHUT_WR))
		f.waitClosed(t)
	})

	t.Run("broken pipe closes once and drops later sends", func(t *testing.T) {
		f := newConnFixture(t)
		require.NoError(t, unix.Shutdown(f.peerFd, unix.SHUT_RD))

		var queued int
		runSync(f.loop, func() {
			f.conn.Send([]byte("first"))
			f.conn.Send([]byte("second"))
			queued = f.conn.OutputBuffer().ReadableBytes()
		})
		f.waitClosed(t)
		runSync(f.loop, func() {})

		assert.Zero(t, queued)
		assert.True(t, f.conn.Disconnected())
		assert.Equal(t, int32(1), f.downs.Load())
		assert.Equal(t, int32(1), f.closes.Load())
	})

	t.Run("state names", func(t *testing.T) {
		assert.Equal(t, "Connected", Connected.String())
		assert.Equal(t, "Disconnecting", Disconnecting.String())
		assert.Equal(t, "Unknown", State(9).String())
	})
}
