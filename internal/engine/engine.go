// Package engine implements the five-task UDP pipeline: receiver,
// classifier, action handler, process worker, and sender, plus the
// retransmit/NAT-traversal ticker. The tasks run as independent
// goroutines connected by the shared queues in internal/queue.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/udp2p/internal/action"
	"github.com/cenkalti/udp2p/internal/logger"
	"github.com/cenkalti/udp2p/internal/metrics"
	"github.com/cenkalti/udp2p/internal/pending"
	"github.com/cenkalti/udp2p/internal/queue"
	"github.com/cenkalti/udp2p/internal/registry"
	"github.com/cenkalti/udp2p/internal/store"
	"github.com/cenkalti/udp2p/internal/waiters"
	"github.com/cenkalti/udp2p/internal/wire"
)

// RecvItem is a decoded inbound datagram, queued by a receiver for the
// classifier.
type RecvItem struct {
	Packet *wire.Packet
	Src    net.Addr
}

// SendItem is a wire-encoded outbound datagram, queued by the action
// handler or the retransmit ticker for the sender.
type SendItem struct {
	Dst       net.Addr
	Raw       []byte
	ID        uint32
	IsRequest bool
	// Resend marks bytes the retransmit ticker is retransmitting verbatim;
	// the sender must not re-insert a pending-table entry for these since
	// one already exists from the original transmission.
	Resend bool
	// Tag is carried into the pending-table entry so a later reply whose
	// body carries no payload of its own (NoDatum) can still be
	// correlated back to what was asked for.
	Tag string
}

// Engine owns the four shared queues and the components they connect:
// the pending-request table, the peer registry, the optional local datum
// store, and the waiter table fetch orchestration uses for reply
// correlation.
type Engine struct {
	Recv    *queue.Queue[RecvItem]
	Actions *queue.Queue[action.Action]
	Process *queue.Queue[action.Action]
	Send    *queue.Queue[SendItem]

	Pending  *pending.Table
	Registry *registry.Registry
	Store    *store.Store
	Waiters  *waiters.Table

	Log logger.Logger

	// Metrics is optional; a nil Metrics disables reporting.
	Metrics *metrics.Metrics

	OwnName       string
	OwnExtensions [4]byte
	OwnPublicKey  []byte
	LocalRoot     []byte

	DirectoryAddr net.Addr

	// RequireSignature, when true, makes the classifier drop any packet
	// carrying a trust-sensitive body (Root, RootReply, PublicKey,
	// PublicKeyReply, Datum) that has no trailing signature, before it
	// ever reaches the process worker.
	RequireSignature bool

	RetransmitTick time.Duration

	sock4 Socket
	sock6 Socket

	idCounter uint32
}

// New builds an Engine. sock4/sock6 may be nil if the node is single-stack;
// at least one must be non-nil. store may be nil, in which case GetDatum is
// always answered with NoDatum.
func New(sock4, sock6 Socket, reg *registry.Registry, pend *pending.Table, st *store.Store, wt *waiters.Table, log logger.Logger, ownName string, ownExt [4]byte, ownPublicKey, localRoot []byte, directoryAddr net.Addr, retransmitTick time.Duration) *Engine {
	return &Engine{
		Recv:    queue.New[RecvItem](),
		Actions: queue.New[action.Action](),
		Process: queue.New[action.Action](),
		Send:    queue.New[SendItem](),

		Pending:  pend,
		Registry: reg,
		Store:    st,
		Waiters:  wt,

		Log: log,

		OwnName:       ownName,
		OwnExtensions: ownExt,
		OwnPublicKey:  ownPublicKey,
		LocalRoot:     localRoot,

		DirectoryAddr: directoryAddr,

		RetransmitTick: retransmitTick,

		sock4: sock4,
		sock6: sock6,
	}
}

// NextID returns a fresh, never-zero packet correlator for a new outbound
// request.
func (e *Engine) NextID() uint32 {
	for {
		id := atomic.AddUint32(&e.idCounter, 1)
		if id != 0 {
			return id
		}
	}
}

// Start launches the five tasks and the retransmit ticker as goroutines.
// Cancelling ctx closes every queue and the sockets, which unblocks every
// task at its next suspension point.
func (e *Engine) Start(ctx context.Context) {
	if e.sock4 != nil {
		go e.RunReceiver(ctx, e.sock4)
	}
	if e.sock6 != nil {
		go e.RunReceiver(ctx, e.sock6)
	}
	go e.RunClassifier(ctx)
	go e.RunActionHandler(ctx)
	go e.RunProcessWorker(ctx)
	go e.RunSender(ctx)
	go e.RunRetransmitTicker(ctx)

	go func() {
		<-ctx.Done()
		e.Recv.Close()
		e.Actions.Close()
		e.Process.Close()
		e.Send.Close()
		if e.sock4 != nil {
			e.sock4.Close()
		}
		if e.sock6 != nil {
			e.sock6.Close()
		}
	}()
}

// RunReceiver reads datagrams from sock, decodes them, and pushes decoded
// packets onto the receive queue. Malformed packets are logged and
// dropped; the receiver never stops on a decode error or a single read
// failure.
func (e *Engine) RunReceiver(ctx context.Context, sock Socket) {
	buf := make([]byte, wire.MaxPacketSize)
	for {
		n, src, err := sock.ReadFrom(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.Log.Errorln("receiver: read failed:", err)
			continue
		}
		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			e.Log.Warningln("receiver: malformed packet from", src, ":", err)
			if e.Metrics != nil {
				e.Metrics.MalformedPackets.Inc()
			}
			continue
		}
		e.Recv.Push(RecvItem{Packet: pkt, Src: src})
	}
}

// RunClassifier pops from the receive queue and emits Process<X> actions
// onto the action queue.
func (e *Engine) RunClassifier(ctx context.Context) {
	for {
		item, ok := e.Recv.Pop()
		if !ok {
			return
		}
		if act, ok := e.classify(item); ok {
			e.Actions.Push(act)
		}
	}
}

// RunActionHandler pops from the action queue. Send* actions are encoded
// into SendItems on the send queue; Process* actions are forwarded to the
// process queue; NoOp is logged and discarded.
func (e *Engine) RunActionHandler(ctx context.Context) {
	for {
		act, ok := e.Actions.Pop()
		if !ok {
			return
		}
		switch {
		case act.Kind == action.KindNoOp:
			e.Log.Infoln("action handler: NoOp discarded")
		case act.Kind.IsProcess():
			e.Process.Push(act)
		default:
			item, err := e.encodeSend(act)
			if err != nil {
				e.Log.Errorln("action handler: encode", act.Kind, "failed:", err)
				continue
			}
			e.Send.Push(item)
		}
	}
}

// encodeSend translates a Send* action into a wire-encoded SendItem,
// assigning a fresh request ID when the action did not already carry one
// (replies always reuse the request's ID).
func (e *Engine) encodeSend(act action.Action) (SendItem, error) {
	var typ wire.PacketType
	var body []byte
	var tag string
	id := act.ID

	switch act.Kind {
	case action.KindSendHello:
		typ = wire.Hello
		body = append(append([]byte{}, e.OwnExtensions[:]...), []byte(e.OwnName)...)
	case action.KindSendHelloReply:
		typ = wire.HelloReply
		body = append(append([]byte{}, e.OwnExtensions[:]...), []byte(e.OwnName)...)
	case action.KindSendRoot:
		typ = wire.Root
		body = e.LocalRoot
	case action.KindSendRootReply:
		typ = wire.RootReply
		body = e.LocalRoot
	case action.KindSendPublicKey:
		typ = wire.PublicKey
		body = e.OwnPublicKey
	case action.KindSendPublicKeyReply:
		typ = wire.PublicKeyReply
		body = e.OwnPublicKey
	case action.KindSendGetDatum:
		typ = wire.GetDatum
		body = act.Hash
		tag = fmt.Sprintf("%x", act.Hash)
	case action.KindSendDatum:
		typ = wire.Datum
		body = act.Body
	case action.KindSendNoDatum:
		typ = wire.NoDatum
	case action.KindSendError:
		typ = wire.Error
		body = []byte(act.Message)
	case action.KindSendErrorReply:
		typ = wire.ErrorReply
		body = []byte(act.Message)
	case action.KindSendNatTraversalRequest:
		typ = wire.NatTraversalRequest
		body = act.Body
	case action.KindSendNatTraversal:
		typ = wire.NatTraversal
		body = act.Body
	default:
		return SendItem{}, fmt.Errorf("engine: unknown send action kind %s", act.Kind)
	}

	if !typ.IsReply() && id == 0 {
		id = e.NextID()
	}

	pkt := &wire.Packet{ID: id, Type: typ, Body: body}
	raw, err := wire.Encode(pkt)
	if err != nil {
		return SendItem{}, err
	}
	return SendItem{Dst: act.Dest, Raw: raw, ID: id, IsRequest: !typ.IsReply(), Tag: tag}, nil
}

// RunProcessWorker pops from the process queue and dispatches each action
// to its handler.
func (e *Engine) RunProcessWorker(ctx context.Context) {
	for {
		act, ok := e.Process.Pop()
		if !ok {
			return
		}
		e.handleProcess(act)
	}
}

func (e *Engine) handleProcess(act action.Action) {
	switch act.Kind {
	case action.KindProcessHello:
		if err := e.Registry.ObserveHello(act.Src, act.Name, act.Extensions); err != nil {
			e.Log.Warningln("process: observe_hello(", act.Src, act.Name, ") failed:", err)
			return
		}
		e.persistPeer(act.Src)
		e.Actions.Push(action.Action{Kind: action.KindSendHelloReply, ID: act.ID, Dest: act.Src})

	case action.KindProcessHelloReply:
		if err := e.Registry.ObserveHello(act.Src, act.Name, act.Extensions); err != nil {
			e.Log.Warningln("process: observe_hello(", act.Src, act.Name, ") failed:", err)
		} else {
			e.persistPeer(act.Src)
		}
		e.deliverReply(wire.HelloReply, act.Src, "", act)

	case action.KindProcessRoot:
		if err := e.Registry.SetRoot(act.Src, act.Body); err != nil {
			e.Log.Warningln("process: set_root(", act.Src, ") failed:", err)
			return
		}
		e.Actions.Push(action.Action{Kind: action.KindSendRootReply, ID: act.ID, Dest: act.Src})

	case action.KindProcessRootReply:
		if err := e.Registry.SetRoot(act.Src, act.Body); err != nil {
			e.Log.Warningln("process: set_root(", act.Src, ") failed:", err)
		}
		e.deliverReply(wire.RootReply, act.Src, "", act)

	case action.KindProcessPublicKey:
		if err := e.Registry.SetPublicKey(act.Src, act.Body); err != nil {
			e.Log.Warningln("process: set_public_key(", act.Src, ") failed:", err)
			return
		}
		e.Actions.Push(action.Action{Kind: action.KindSendPublicKeyReply, ID: act.ID, Dest: act.Src})

	case action.KindProcessPublicKeyReply:
		if err := e.Registry.SetPublicKey(act.Src, act.Body); err != nil {
			e.Log.Warningln("process: set_public_key(", act.Src, ") failed:", err)
		}
		e.deliverReply(wire.PublicKeyReply, act.Src, "", act)

	case action.KindProcessGetDatum:
		e.handleGetDatum(act)

	case action.KindProcessDatum:
		if e.Metrics != nil && len(act.Body) > 32 && act.Body[32] == 0 {
			e.Metrics.ChunksFetched.Inc()
		}
		e.cacheDatum(act.Body)
		e.deliverReply(wire.Datum, act.Src, hashKeyOf(act.Body), act)

	case action.KindProcessNoDatum:
		e.deliverReply(wire.NoDatum, act.Src, act.CorrelationKey, act)

	case action.KindProcessError:
		e.Log.Errorln("process: peer", act.Src, "reported error:", act.Message)

	case action.KindProcessErrorReply:
		e.Log.Errorln("process: peer", act.Src, "error reply:", act.Message)
		e.deliverReply(wire.ErrorReply, act.Src, "", act)

	case action.KindProcessNatTraversalRequest:
		e.Log.Infoln("process: nat traversal request from", act.Src, "ignored (directory-only message)")

	case action.KindProcessNatTraversal:
		dest, err := wire.DecodeAddr(act.Body)
		if err != nil {
			e.Log.Warningln("process: malformed nat traversal hint from", act.Src, ":", err)
			return
		}
		e.Log.Infoln("process: nat traversal hint, attempting direct hello to", dest)
		e.Actions.Push(action.Action{Kind: action.KindSendHello, Dest: dest})

	default:
		e.Log.Warningln("process: unhandled action", act.Kind)
	}
}

func (e *Engine) handleGetDatum(act action.Action) {
	var h [32]byte
	copy(h[:], act.Hash)
	if e.Store == nil {
		e.Actions.Push(action.Action{Kind: action.KindSendNoDatum, ID: act.ID, Dest: act.Src})
		return
	}
	body, err := e.Store.Get(h)
	if err != nil {
		e.Actions.Push(action.Action{Kind: action.KindSendNoDatum, ID: act.ID, Dest: act.Src})
		return
	}
	if e.Metrics != nil {
		e.Metrics.ChunksServed.Inc()
	}
	e.Actions.Push(action.Action{Kind: action.KindSendDatum, ID: act.ID, Dest: act.Src, Body: body})
}

// persistPeer snapshots the peer bound to src into the local store so a
// restarted node can pre-populate its directory cache (best-effort: a write
// failure is logged, never surfaced).
func (e *Engine) persistPeer(src *net.UDPAddr) {
	if e.Store == nil {
		return
	}
	p, ok := e.Registry.Get(src)
	if !ok {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		e.Log.Warningln("process: marshal peer", p.Name, "snapshot failed:", err)
		return
	}
	if err := e.Store.SavePeer(p.Name, b); err != nil {
		e.Log.Warningln("process: persist peer", p.Name, "snapshot failed:", err)
	}
}

// cacheDatum stores a fetched node body so a later GetDatum for the same
// hash can be answered locally, turning the node into a peer rather than a
// pure client for anything it has already downloaded. Best-effort: a store
// failure is logged and never blocks delivery to the waiting fetch.
func (e *Engine) cacheDatum(body []byte) {
	if e.Store == nil || len(body) < 32 {
		return
	}
	var h [32]byte
	copy(h[:], body[:32])
	if err := e.Store.Put(h, body); err != nil {
		e.Log.Warningln("process: cache datum", hashKeyOf(body), "failed:", err)
	}
}

// deliverReply hands a reply-shaped Process action to the fetch waiter
// registered for it, if any; an unmatched reply is logged, not an error.
func (e *Engine) deliverReply(typ wire.PacketType, src *net.UDPAddr, payloadKey string, act action.Action) {
	if e.Waiters == nil {
		return
	}
	k := waiters.Key{Type: typ, Src: addrString(src), Payload: payloadKey}
	if !e.Waiters.Deliver(k, act) {
		e.Log.Infoln("process: unsolicited", typ, "from", src)
	}
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func hashKeyOf(body []byte) string {
	if len(body) < 32 {
		return ""
	}
	return fmt.Sprintf("%x", body[:32])
}

// RunSender pops (dst, bytes) from the send queue, inserts a pending-table
// entry for freshly transmitted requests, and writes the bytes to the
// socket matching the destination's address family. A write failure is
// logged and the packet is not re-queued; the retransmit ticker covers it.
func (e *Engine) RunSender(ctx context.Context) {
	for {
		item, ok := e.Send.Pop()
		if !ok {
			return
		}
		if item.IsRequest && !item.Resend {
			if dst, ok := item.Dst.(*net.UDPAddr); ok {
				e.Pending.Insert(item.ID, dst, item.Raw, time.Now(), item.Tag)
			}
		}
		sock := e.pickSocket(item.Dst)
		if sock == nil {
			e.Log.Errorln("sender: no socket available for destination", item.Dst)
			continue
		}
		if _, err := sock.WriteTo(item.Raw, item.Dst); err != nil {
			e.Log.Errorln("sender: write to", item.Dst, "failed:", err)
		}
	}
}

func (e *Engine) pickSocket(dst net.Addr) Socket {
	u, ok := dst.(*net.UDPAddr)
	if !ok || u.IP.To4() != nil {
		if e.sock4 != nil {
			return e.sock4
		}
		return e.sock6
	}
	if e.sock6 != nil {
		return e.sock6
	}
	return e.sock4
}

// RunRetransmitTicker wakes every RetransmitTick, sweeps the pending table,
// and pushes resends and NAT-traversal-request packets onto the send
// queue.
func (e *Engine) RunRetransmitTicker(ctx context.Context) {
	ticker := time.NewTicker(e.RetransmitTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			resends, natHints, dead := e.Pending.Sweep(now)
			for _, r := range resends {
				e.Send.Push(SendItem{Dst: r.Dest, Raw: r.Bytes, IsRequest: true, Resend: true})
			}
			for _, h := range natHints {
				e.sendNatTraversalRequest(h.Dest)
			}
			for _, d := range dead {
				e.Log.Warningln("retransmit: request", d.ID, "to", d.Dest, "abandoned after retry cap")
			}
			if e.Metrics != nil {
				e.Metrics.Retransmits.Add(float64(len(resends)))
				e.Metrics.NatTraversalHints.Add(float64(len(natHints)))
				e.Metrics.AbandonedRequests.Add(float64(len(dead)))
				e.Metrics.OutstandingRequests.Set(float64(e.Pending.Len()))
				e.Metrics.KnownPeers.Set(float64(e.Registry.Len()))
			}
		}
	}
}

func (e *Engine) sendNatTraversalRequest(dest *net.UDPAddr) {
	if e.DirectoryAddr == nil {
		return
	}
	body, err := wire.EncodeAddr(dest)
	if err != nil {
		e.Log.Errorln("retransmit: encode nat traversal hint for", dest, "failed:", err)
		return
	}
	id := e.NextID()
	pkt := &wire.Packet{ID: id, Type: wire.NatTraversalRequest, Body: body}
	raw, err := wire.Encode(pkt)
	if err != nil {
		e.Log.Errorln("retransmit: encode nat traversal packet failed:", err)
		return
	}
	// No reply type exists to clear a pending entry for this hint, and
	// traversal is advisory: send it untracked so it never feeds the
	// retransmit loop that produced it.
	e.Send.Push(SendItem{Dst: e.DirectoryAddr, Raw: raw, ID: id})
}
