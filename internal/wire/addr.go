package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// EncodeAddr renders a socket address as the raw IPv4/IPv6 + port encoding
// used in NatTraversalRequest / NatTraversal bodies: 4 or 16 address bytes
// followed by the port, high byte first.
func EncodeAddr(addr *net.UDPAddr) ([]byte, error) {
	ip4 := addr.IP.To4()
	var out []byte
	if ip4 != nil {
		out = make([]byte, 0, 6)
		out = append(out, ip4...)
	} else {
		ip16 := addr.IP.To16()
		if ip16 == nil {
			return nil, fmt.Errorf("wire: address %s is neither IPv4 nor IPv6", addr.IP)
		}
		out = make([]byte, 0, 18)
		out = append(out, ip16...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(addr.Port))
	out = append(out, portBuf[:]...)
	return out, nil
}

// DecodeAddr parses the NAT-traversal address encoding back into a
// *net.UDPAddr. Valid lengths are 6 (IPv4) and 18 (IPv6).
func DecodeAddr(body []byte) (*net.UDPAddr, error) {
	switch len(body) {
	case 6:
		ip := make(net.IP, 4)
		copy(ip, body[:4])
		return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(body[4:6]))}, nil
	case 18:
		ip := make(net.IP, 16)
		copy(ip, body[:16])
		return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(body[16:18]))}, nil
	default:
		return nil, fmt.Errorf("%w: NAT address body length %d is neither 6 nor 18", ErrMalformed, len(body))
	}
}
