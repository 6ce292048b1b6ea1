package tcpserver

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/sockets"
)

func inLoop(loop *reactor.EventLoop, fn func()) {
	done := make(chan struct{})
	loop.RunInLoop(func() {
		fn()
		close(done)
	})
	<-done
}

func TestAcceptorDropPending(t *testing.T) {
	th := reactor.NewEventLoopThread(reactor.DefaultConfig("acceptor"), nil)
	loop, err := th.StartLoop()
	require.NoError(t, err)
	t.Cleanup(th.StopLoop)

	addr, err := sockets.NewInetAddress("127.0.0.1", 0)
	require.NoError(t, err)

	a, err := NewAcceptor(loop, addr, false, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { inLoop(loop, func() { _ = a.Close() }) })

	// Listen without registering the channel so the backlog stays queued.
	require.NoError(t, a.socket.Listen())
	bound, err := a.ListenAddr()
	require.NoError(t, err)

	var clients []net.Conn
	for range 3 {
		c, err := net.DialTimeout("tcp", bound.ToIPPort(), 2*time.Second)
		require.NoError(t, err)
		require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
		clients = append(clients, c)
	}
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	var dropped, idleFd int
	inLoop(loop, func() {
		dropped = a.dropPending()
		idleFd = a.idleFd
	})

	t.Run("every pending connection is dropped in one pass", func(t *testing.T) {
		assert.Equal(t, 3, dropped)
		for _, c := range clients {
			_, err := c.Read(make([]byte, 1))
			assert.ErrorIs(t, err, io.EOF)
		}
	})

	t.Run("spare descriptor is taken back", func(t *testing.T) {
		assert.GreaterOrEqual(t, idleFd, 0)
	})

	t.Run("empty backlog drops nothing", func(t *testing.T) {
		var again int
		inLoop(loop, func() { again = a.dropPending() })
		assert.Zero(t, again)
	})
}
