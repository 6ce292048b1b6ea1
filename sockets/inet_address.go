package sockets

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// InetAddress is an IPv4 or IPv6 endpoint.
type InetAddress struct {
	addr netip.AddrPort
}

// NewInetAddress builds an address from an ip literal and a port. An empty
// ip means the IPv4 wildcard; "localhost" maps to loopback.
//
// Parameters:
//   - ip: IP literal, "" or "localhost"
//   - port: TCP port
//
// Returns:
//   - The address, or an error for an unparsable ip
func NewInetAddress(ip string, port uint16) (InetAddress, error) {
	var addr netip.Addr
	switch ip {
	case "", "0.0.0.0":
		addr = netip.IPv4Unspecified()
	case "localhost":
		addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	default:
		parsed, err := netip.ParseAddr(ip)
		if err != nil {
			return InetAddress{}, fmt.Errorf("invalid ip %q: %w", ip, err)
		}

		addr = parsed.Unmap()
	}

	return InetAddress{addr: netip.AddrPortFrom(addr, port)}, nil
}

// ParseInetAddress parses "host:port" where host is an ip literal, "" or "localhost".
func ParseInetAddress(hostport string) (InetAddress, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return InetAddress{}, fmt.Errorf("invalid address %q: %w", hostport, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return InetAddress{}, fmt.Errorf("invalid port in %q: %w", hostport, err)
	}

	return NewInetAddress(host, uint16(port))
}

// InetAddressFromSockaddr converts a kernel socket address.
func InetAddressFromSockaddr(sa unix.Sockaddr) InetAddress {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return InetAddress{addr: netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))}
	case *unix.SockaddrInet6:
		return InetAddress{addr: netip.AddrPortFrom(netip.AddrFrom16(v.Addr).Unmap(), uint16(v.Port))}
	default:
		return InetAddress{}
	}
}

// Sockaddr converts the address for the socket syscalls.
func (a InetAddress) Sockaddr() unix.Sockaddr {
	ip := a.addr.Addr()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: int(a.addr.Port()), Addr: ip.As4()}
	}

	return &unix.SockaddrInet6{Port: int(a.addr.Port()), Addr: ip.As16()}
}

// Family returns AF_INET or AF_INET6.
func (a InetAddress) Family() int {
	if a.addr.Addr().Is6() {
		return unix.AF_INET6
	}

	return unix.AF_INET
}

// IsValid reports whether the address was set.
func (a InetAddress) IsValid() bool {
	return a.addr.IsValid()
}

// AddrPort returns the underlying netip value.
func (a InetAddress) AddrPort() netip.AddrPort {
	return a.addr
}

// Port returns the port.
func (a InetAddress) Port() uint16 {
	return a.addr.Port()
}

// ToIP returns the ip part as text.
func (a InetAddress) ToIP() string {
	return a.addr.Addr().String()
}

// ToIPPort returns "ip:port", bracketing IPv6.
func (a InetAddress) ToIPPort() string {
	return a.addr.String()
}

// String implements fmt.Stringer.
func (a InetAddress) String() string {
	return a.ToIPPort()
}
