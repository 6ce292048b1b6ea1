package sockets

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestInetAddress(t *testing.T) {
	t.Run("empty ip is the wildcard", func(t *testing.T) {
		addr, err := NewInetAddress("", 20000)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:20000", addr.ToIPPort())
		assert.Equal(t, unix.AF_INET, addr.Family())
	})

	t.Run("parse host port", func(t *testing.T) {
		addr, err := ParseInetAddress("127.0.0.1:8080")
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", addr.ToIP())
		assert.Equal(t, uint16(8080), addr.Port())

		addr, err = ParseInetAddress("[::1]:9")
		require.NoError(t, err)
		assert.Equal(t, unix.AF_INET6, addr.Family())
		assert.Equal(t, "[::1]:9", addr.String())
	})

	t.Run("bad input is rejected", func(t *testing.T) {
		_, err := ParseInetAddress("nope")
		assert.Error(t, err)
		_, err = ParseInetAddress("1.2.3.4:99999")
		assert.Error(t, err)
		_, err = NewInetAddress("not-an-ip", 1)
		assert.Error(t, err)
	})

	t.Run("sockaddr round trip", func(t *testing.T) {
		addr, err := NewInetAddress("10.1.2.3", 443)
		require.NoError(t, err)
		assert.Equal(t, addr, InetAddressFromSockaddr(addr.Sockaddr()))
	})
}

func listenLoopback(t *testing.T) (*Socket, InetAddress) {
	t.Helper()
	fd, err := CreateNonblocking(unix.AF_INET)
	require.NoError(t, err)

	s := NewSocket(fd)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.SetReuseAddr(true))

	addr, err := NewInetAddress("127.0.0.1", 0)
	require.NoError(t, err)
	require.NoError(t, s.BindAddress(addr))
	require.NoError(t, s.Listen())

	bound, err := GetLocalAddr(fd)
	require.NoError(t, err)
	return s, bound
}

func acceptWithin(t *testing.T, s *Socket, d time.Duration) (int, InetAddress) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		fd, peer, err := s.Accept()
		if err == nil {
			return fd, peer
		}
		require.True(t, errors.Is(err, unix.EAGAIN), "unexpected accept error %v", err)
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no connection accepted")
	return -1, InetAddress{}
}

func TestSocketConnectAccept(t *testing.T) {
	listener, bound := listenLoopback(t)
	require.NotZero(t, bound.Port())

	t.Run("empty backlog returns EAGAIN", func(t *testing.T) {
		_, _, err := listener.Accept()
		assert.ErrorIs(t, err, unix.EAGAIN)
		assert.True(t, IsTemporary(err))
	})

	t.Run("nonblocking connect reaches the listener", func(t *testing.T) {
		cfd, err := CreateNonblocking(unix.AF_INET)
		require.NoError(t, err)
		client := NewSocket(cfd)
		defer client.Close()

		err = Connect(cfd, bound)
		if err != nil {
			require.ErrorIs(t, err, unix.EINPROGRESS)
		}

		sfd, peer := acceptWithin(t, listener, 2*time.Second)
		server := NewSocket(sfd)
		defer server.Close()

		require.NoError(t, server.SetTCPNoDelay(true))
		require.NoError(t, server.SetKeepAlive(true))

		local, err := GetLocalAddr(cfd)
		require.NoError(t, err)
		assert.Equal(t, local.AddrPort(), peer.AddrPort())
		assert.NoError(t, GetSocketError(cfd))
		assert.False(t, IsSelfConnect(cfd))

		n, err := Write(cfd, []byte("ping"))
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		buf := make([]byte, 16)
		require.Eventually(t, func() bool {
			n, err = Read(sfd, buf)
			return err == nil
		}, 2*time.Second, time.Millisecond)
		assert.Equal(t, "ping", string(buf[:n]))

		require.NoError(t, client.ShutdownWrite())
		require.Eventually(t, func() bool {
			n, err = Read(sfd, buf)
			return err == nil && n == 0
		}, 2*time.Second, time.Millisecond)
	})
}
