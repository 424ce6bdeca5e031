// Package action defines the finite tagged action variant that flows
// between the classifier, action handler, and process worker. Actions
// are plain data; engine.go's handlers switch on Kind instead of
// dispatching through an interface.
package action

import "net"

// Kind tags the variant of an Action.
type Kind int

const (
	KindNoOp Kind = iota

	// Process* actions are handed to the process worker after the
	// classifier has paired an inbound packet with its role.
	KindProcessHello
	KindProcessHelloReply
	KindProcessRoot
	KindProcessRootReply
	KindProcessPublicKey
	KindProcessPublicKeyReply
	KindProcessGetDatum
	KindProcessDatum
	KindProcessNoDatum
	KindProcessError
	KindProcessErrorReply
	KindProcessNatTraversalRequest
	KindProcessNatTraversal

	// Send* actions are translated into wire packets by the action
	// handler and pushed to the send queue.
	KindSendHello
	KindSendHelloReply
	KindSendRoot
	KindSendRootReply
	KindSendPublicKey
	KindSendPublicKeyReply
	KindSendGetDatum
	KindSendDatum
	KindSendNoDatum
	KindSendError
	KindSendErrorReply
	KindSendNatTraversalRequest
	KindSendNatTraversal
)

func (k Kind) String() string {
	names := [...]string{
		"NoOp",
		"ProcessHello", "ProcessHelloReply", "ProcessRoot", "ProcessRootReply",
		"ProcessPublicKey", "ProcessPublicKeyReply", "ProcessGetDatum",
		"ProcessDatum", "ProcessNoDatum", "ProcessError", "ProcessErrorReply",
		"ProcessNatTraversalRequest", "ProcessNatTraversal",
		"SendHello", "SendHelloReply", "SendRoot", "SendRootReply",
		"SendPublicKey", "SendPublicKeyReply", "SendGetDatum", "SendDatum",
		"SendNoDatum", "SendError", "SendErrorReply",
		"SendNatTraversalRequest", "SendNatTraversal",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// IsProcess reports whether k is one of the KindProcess* variants handed to
// the process worker, as opposed to a KindSend* variant handed to the
// action handler for wire encoding.
func (k Kind) IsProcess() bool {
	return k >= KindProcessHello && k <= KindProcessNatTraversal
}

// Action is the tagged union. Only the fields relevant to Kind are
// populated; the rest are left zero. ID is the packet correlator (for
// requests this is an outbound request id the sender will track; for
// Process* actions derived from a reply it is the matched request id).
type Action struct {
	Kind Kind

	ID   uint32
	Src  *net.UDPAddr // origin of an inbound packet
	Dest *net.UDPAddr // destination of an outbound packet

	Name       string // Hello/HelloReply peer name
	Extensions []byte // Hello/HelloReply extension bitfield

	Hash []byte // GetDatum/Datum hash
	Body []byte // Datum node payload, PublicKey bytes, Root hash bytes

	Message string // Error/ErrorReply text

	// RequestID is not read by the engine: encodeSend takes an outbound
	// request's id from ID (assigning a fresh one when ID is zero), and
	// the sender keys the pending-table entry on that id.
	RequestID uint32

	// CorrelationKey is the waiter-table payload key a fetch waiter should
	// match this reply against. The classifier fills it in from the
	// pending table's Tag for reply kinds whose wire body carries nothing
	// to correlate by (NoDatum's body is empty on the wire), so a fetch
	// in flight for a specific hash can still be told "this peer doesn't
	// have it" instead of only ever timing out.
	CorrelationKey string
}
