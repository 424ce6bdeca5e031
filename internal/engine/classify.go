package engine

import (
	"net"

	"github.com/cenkalti/udp2p/internal/action"
	"github.com/cenkalti/udp2p/internal/wire"
)

func addrFrom(a net.Addr) *net.UDPAddr {
	if u, ok := a.(*net.UDPAddr); ok {
		return u
	}
	return nil
}

// needsSignature reports whether typ carries a trust-sensitive body the
// signature policy gate applies to: a peer's root
// hash, public key, or tree datum. Hello/HelloReply liveness traffic and
// error/NAT-traversal control messages are exempt.
func needsSignature(typ wire.PacketType) bool {
	switch typ {
	case wire.Root, wire.RootReply, wire.PublicKey, wire.PublicKeyReply, wire.Datum:
		return true
	default:
		return false
	}
}

func parseHelloBody(body []byte) (ext [4]byte, name string) {
	if len(body) < 4 {
		return ext, string(body)
	}
	copy(ext[:], body[:4])
	return ext, string(body[4:])
}

// classify pairs an inbound packet with its role: a reply whose ID resolves in
// the pending table becomes a Process<Reply> action; a request whose ID
// does not collide with an outstanding one becomes a Process<Request>
// action. Both mismatched cases are dropped with a log line.
func (e *Engine) classify(item RecvItem) (action.Action, bool) {
	pkt := item.Packet
	if e.RequireSignature && needsSignature(pkt.Type) && !pkt.Signed() {
		e.Log.Warningln("classifier:", pkt.Type, "from", item.Src, "has no signature, policy requires one - dropped")
		if pkt.Type.IsReply() {
			e.Pending.Resolve(pkt.ID)
		}
		return action.Action{}, false
	}
	if pkt.Type.IsReply() {
		_, tag, ok := e.Pending.Resolve(pkt.ID)
		if !ok {
			e.Log.Warningln("classifier: reply", pkt.Type, "with unknown id", pkt.ID, "from", item.Src, "- dropped")
			return action.Action{}, false
		}
		return e.buildProcessReply(pkt, item.Src, tag), true
	}
	if e.Pending.Has(pkt.ID) {
		e.Log.Warningln("classifier: request id", pkt.ID, "collides with an outstanding request - dropped")
		return action.Action{}, false
	}
	return e.buildProcessRequest(pkt, item.Src), true
}

func (e *Engine) buildProcessReply(pkt *wire.Packet, src net.Addr, tag string) action.Action {
	a := action.Action{ID: pkt.ID, Src: addrFrom(src)}
	switch pkt.Type {
	case wire.HelloReply:
		ext, name := parseHelloBody(pkt.Body)
		a.Kind = action.KindProcessHelloReply
		a.Extensions = ext[:]
		a.Name = name
	case wire.RootReply:
		a.Kind = action.KindProcessRootReply
		a.Body = pkt.Body
	case wire.PublicKeyReply:
		a.Kind = action.KindProcessPublicKeyReply
		a.Body = pkt.Body
	case wire.Datum:
		a.Kind = action.KindProcessDatum
		a.Body = pkt.Body
	case wire.NoDatum:
		a.Kind = action.KindProcessNoDatum
		a.CorrelationKey = tag
	case wire.ErrorReply:
		a.Kind = action.KindProcessErrorReply
		a.Message = string(pkt.Body)
	default:
		a.Kind = action.KindNoOp
	}
	return a
}

func (e *Engine) buildProcessRequest(pkt *wire.Packet, src net.Addr) action.Action {
	a := action.Action{ID: pkt.ID, Src: addrFrom(src)}
	switch pkt.Type {
	case wire.NoOp:
		a.Kind = action.KindNoOp
	case wire.Error:
		a.Kind = action.KindProcessError
		a.Message = string(pkt.Body)
	case wire.Hello:
		ext, name := parseHelloBody(pkt.Body)
		a.Kind = action.KindProcessHello
		a.Extensions = ext[:]
		a.Name = name
	case wire.PublicKey:
		a.Kind = action.KindProcessPublicKey
		a.Body = pkt.Body
	case wire.Root:
		a.Kind = action.KindProcessRoot
		a.Body = pkt.Body
	case wire.GetDatum:
		a.Kind = action.KindProcessGetDatum
		a.Hash = pkt.Body
	case wire.NatTraversalRequest:
		a.Kind = action.KindProcessNatTraversalRequest
		a.Body = pkt.Body
	case wire.NatTraversal:
		a.Kind = action.KindProcessNatTraversal
		a.Body = pkt.Body
	default:
		a.Kind = action.KindNoOp
	}
	return a
}
