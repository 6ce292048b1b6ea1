package sockets

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Socket owns one descriptor. Close must be called exactly once.
type Socket struct {
	fd int
}

// NewSocket takes ownership of fd.
func NewSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

// Fd returns the descriptor.
func (s *Socket) Fd() int {
	return s.fd
}

// BindAddress binds to addr.
func (s *Socket) BindAddress(addr InetAddress) error {
	if err := unix.Bind(s.fd, addr.Sockaddr()); err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	return nil
}

// Listen starts listening with the system backlog.
func (s *Socket) Listen() error {
	if err := unix.Listen(s.fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	return nil
}

// Accept takes one pending connection. The new descriptor is nonblocking and
// close-on-exec. EAGAIN means the backlog is empty.
//
// Returns:
//   - The connection descriptor and the peer address
//   - An error from accept4(2)
func (s *Socket) Accept() (int, InetAddress, error) {
	for {
		connfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return -1, InetAddress{}, err
		}

		return connfd, InetAddressFromSockaddr(sa), nil
	}
}

// ShutdownWrite half-closes the write side.
func (s *Socket) ShutdownWrite() error {
	return ShutdownWrite(s.fd)
}

// SetTCPNoDelay toggles Nagle's algorithm.
func (s *Socket) SetTCPNoDelay(on bool) error {
	return s.setBool(unix.IPPROTO_TCP, unix.TCP_NODELAY, on, "TCP_NODELAY")
}

// SetReuseAddr toggles SO_REUSEADDR.
func (s *Socket) SetReuseAddr(on bool) error {
	return s.setBool(unix.SOL_SOCKET, unix.SO_REUSEADDR, on, "SO_REUSEADDR")
}

// SetReusePort toggles SO_REUSEPORT.
func (s *Socket) SetReusePort(on bool) error {
	return s.setBool(unix.SOL_SOCKET, unix.SO_REUSEPORT, on, "SO_REUSEPORT")
}

// SetKeepAlive toggles SO_KEEPALIVE.
func (s *Socket) SetKeepAlive(on bool) error {
	return s.setBool(unix.SOL_SOCKET, unix.SO_KEEPALIVE, on, "SO_KEEPALIVE")
}

// Close closes the descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

func (s *Socket) setBool(level, opt int, on bool, name string) error {
	v := 0
	if on {
		v = 1
	}

	if err := unix.SetsockoptInt(s.fd, level, opt, v); err != nil {
		return fmt.Errorf("setsockopt %s: %w", name, err)
	}

	return nil
}
