package engine

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Socket is the minimal datagram transport the engine's receiver and sender
// tasks need. The real implementation wraps one address family's UDP
// socket; tests substitute an in-memory fake so the pipeline can be driven
// without binding real ports.
type Socket interface {
	ReadFrom(buf []byte) (n int, src net.Addr, err error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	Close() error
}

// udpSocket wraps a net.PacketConn with the family-specific control layer
// from golang.org/x/net so receiver/sender can be built against a single
// Socket interface regardless of family.
type udpSocket struct {
	raw net.PacketConn
	v4  *ipv4.PacketConn
	v6  *ipv6.PacketConn
}

// NewSocket4 wraps an already-bound IPv4 UDP net.PacketConn.
func NewSocket4(conn net.PacketConn) Socket {
	return &udpSocket{raw: conn, v4: ipv4.NewPacketConn(conn)}
}

// NewSocket6 wraps an already-bound IPv6 UDP net.PacketConn.
func NewSocket6(conn net.PacketConn) Socket {
	return &udpSocket{raw: conn, v6: ipv6.NewPacketConn(conn)}
}

func (s *udpSocket) ReadFrom(buf []byte) (int, net.Addr, error) {
	if s.v6 != nil {
		n, _, src, err := s.v6.ReadFrom(buf)
		return n, src, err
	}
	n, _, src, err := s.v4.ReadFrom(buf)
	return n, src, err
}

func (s *udpSocket) WriteTo(b []byte, dst net.Addr) (int, error) {
	if s.v6 != nil {
		return s.v6.WriteTo(b, nil, dst)
	}
	return s.v4.WriteTo(b, nil, dst)
}

func (s *udpSocket) Close() error {
	return s.raw.Close()
}
