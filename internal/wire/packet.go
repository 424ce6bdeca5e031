// Package wire implements the UDP binary packet format: a fixed header, a
// variable-length body, and an optional 64-byte trailing signature.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType identifies the role and kind of a packet. Request types have
// their high bit clear (< 128); reply types have it set (>= 128).
type PacketType uint8

const (
	NoOp                PacketType = 0
	Error                PacketType = 1
	Hello                PacketType = 2
	PublicKey            PacketType = 3
	Root                 PacketType = 4
	GetDatum             PacketType = 5
	NatTraversalRequest  PacketType = 6
	NatTraversal         PacketType = 7
	ErrorReply           PacketType = 128
	HelloReply           PacketType = 129
	PublicKeyReply       PacketType = 130
	RootReply            PacketType = 131
	Datum                PacketType = 132
	NoDatum              PacketType = 133
)

// IsReply reports whether t's high bit is set.
func (t PacketType) IsReply() bool { return t >= 128 }

func (t PacketType) String() string {
	switch t {
	case NoOp:
		return "NoOp"
	case Error:
		return "Error"
	case Hello:
		return "Hello"
	case PublicKey:
		return "PublicKey"
	case Root:
		return "Root"
	case GetDatum:
		return "GetDatum"
	case NatTraversalRequest:
		return "NatTraversalRequest"
	case NatTraversal:
		return "NatTraversal"
	case ErrorReply:
		return "ErrorReply"
	case HelloReply:
		return "HelloReply"
	case PublicKeyReply:
		return "PublicKeyReply"
	case RootReply:
		return "RootReply"
	case Datum:
		return "Datum"
	case NoDatum:
		return "NoDatum"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// validType reports whether t is a known packet type; Decode uses it to
// reject unmapped type bytes.
func validType(t PacketType) bool {
	switch t {
	case NoOp, Error, Hello, PublicKey, Root, GetDatum, NatTraversalRequest, NatTraversal,
		ErrorReply, HelloReply, PublicKeyReply, RootReply, Datum, NoDatum:
		return true
	default:
		return false
	}
}

const (
	// HeaderSize is id(4) + type(1) + length(2).
	HeaderSize = 7
	// SignatureSize is the size of the optional trailing signature.
	SignatureSize = 64
	// MaxBodyLength is the largest body the length field may declare.
	MaxBodyLength = 1024
	// MaxPacketSize is HeaderSize + MaxBodyLength + SignatureSize.
	MaxPacketSize = HeaderSize + MaxBodyLength + SignatureSize
)

// ErrMalformed is returned by Decode for any framing violation.
var ErrMalformed = errors.New("wire: malformed packet")

// Packet is the decoded representation of a single datagram.
type Packet struct {
	ID        uint32
	Type      PacketType
	Body      []byte
	Signature []byte // nil if unsigned, else exactly SignatureSize bytes
}

// Signed reports whether p carries a trailing signature.
func (p *Packet) Signed() bool { return p.Signature != nil }

// Encode renders p to its wire bytes. Encode is total: any Packet with a
// Body no longer than MaxBodyLength and a Signature that is either nil or
// exactly SignatureSize bytes encodes without error.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Body) > MaxBodyLength {
		return nil, fmt.Errorf("wire: body length %d exceeds max %d", len(p.Body), MaxBodyLength)
	}
	if p.Signature != nil && len(p.Signature) != SignatureSize {
		return nil, fmt.Errorf("wire: signature length %d must be %d", len(p.Signature), SignatureSize)
	}
	out := make([]byte, 0, HeaderSize+len(p.Body)+len(p.Signature))
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], p.ID)
	out = append(out, idBuf[:]...)
	out = append(out, byte(p.Type))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(p.Body)))
	out = append(out, lenBuf[:]...)
	out = append(out, p.Body...)
	if p.Signature != nil {
		out = append(out, p.Signature...)
	}
	return out, nil
}

// Decode parses raw datagram bytes into a Packet. It returns ErrMalformed
// wrapped with detail for every framing violation.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: length %d below header size %d", ErrMalformed, len(raw), HeaderSize)
	}
	id := binary.BigEndian.Uint32(raw[0:4])
	typ := PacketType(raw[4])
	bodyLen := int(binary.BigEndian.Uint16(raw[5:7]))
	if bodyLen > MaxBodyLength {
		return nil, fmt.Errorf("%w: body length %d exceeds max %d", ErrMalformed, bodyLen, MaxBodyLength)
	}
	rest := raw[HeaderSize:]
	if bodyLen > len(rest) {
		return nil, fmt.Errorf("%w: declared body length %d exceeds remaining %d bytes", ErrMalformed, bodyLen, len(rest))
	}
	body := rest[:bodyLen]
	trailer := rest[bodyLen:]
	var sig []byte
	switch len(trailer) {
	case 0:
		sig = nil
	case SignatureSize:
		sig = make([]byte, SignatureSize)
		copy(sig, trailer)
	default:
		return nil, fmt.Errorf("%w: trailing %d bytes is neither 0 nor %d", ErrMalformed, len(trailer), SignatureSize)
	}
	if !validType(typ) {
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformed, typ)
	}
	var bodyCopy []byte
	if len(body) > 0 {
		bodyCopy = make([]byte, len(body))
		copy(bodyCopy, body)
	}
	return &Packet{ID: id, Type: typ, Body: bodyCopy, Signature: sig}, nil
}
