// Package sockets wraps the nonblocking socket syscalls the reactor needs.
// Every descriptor it creates is nonblocking and close-on-exec.
package sockets

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// CreateNonblocking opens a nonblocking TCP socket.
//
// Parameters:
//   - family: unix.AF_INET or unix.AF_INET6
//
// Returns:
//   - The descriptor, or an error from socket(2)
func CreateNonblocking(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	return fd, nil
}

// Connect starts a nonblocking connect. EINPROGRESS is returned as is so the
// caller can decide how to wait.
func Connect(fd int, addr InetAddress) error {
	for {
		err := unix.Connect(fd, addr.Sockaddr())
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Read reads once, retrying on EINTR.
func Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if !errors.Is(err, unix.EINTR) {
			return n, err
		}
	}
}

// Write writes once, retrying on EINTR.
func Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if !errors.Is(err, unix.EINTR) {
			return n, err
		}
	}
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}

// ShutdownWrite half-closes the write side.
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// GetSocketError returns the pending SO_ERROR as a syscall.Errno, or nil.
func GetSocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}

	if v == 0 {
		return nil
	}

	return syscall.Errno(v)
}

// GetLocalAddr returns the bound address of fd.
func GetLocalAddr(fd int) (InetAddress, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return InetAddress{}, fmt.Errorf("getsockname: %w", err)
	}

	return InetAddressFromSockaddr(sa), nil
}

// GetPeerAddr returns the remote address of a connected fd.
func GetPeerAddr(fd int) (InetAddress, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return InetAddress{}, fmt.Errorf("getpeername: %w", err)
	}

	return InetAddressFromSockaddr(sa), nil
}

// IsSelfConnect reports a TCP simultaneous open onto the socket's own port.
func IsSelfConnect(fd int) bool {
	local, err := GetLocalAddr(fd)
	if err != nil {
		return false
	}

	peer, err := GetPeerAddr(fd)
	if err != nil {
		return false
	}

	return local.AddrPort() == peer.AddrPort()
}

// IsTemporary reports errors that mean "try again later".
func IsTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}
