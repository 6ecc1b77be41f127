package wire

import "fmt"

// NumChannels is the number of independent sequenced channels and the
// number of independent ordered channels a connection carries.
const NumChannels = 16

// MessageType is the wire-level message type byte. Its value encodes
// both the message's semantics and, for user messages, its channel
// index.
type MessageType uint8

// Unconnected library messages: handshake, acks, ping/pong,
// disconnect, discovery, MTU negotiation, key exchange.
const (
	MsgConnectRequest MessageType = iota
	MsgConnectResponse
	MsgConnectionEstablished
	MsgConnectionApprovalDenied
	MsgDisconnect
	MsgPing
	MsgPong
	MsgAcknowledge
	MsgDiscovery
	MsgDiscoveryResponse
	MsgExpandMTURequest
	MsgExpandMTUSuccess
	MsgDiffieHellmanRequest
	MsgDiffieHellmanResponse
	MsgIntroduction

	// msgUserBase is the first message type reserved for user traffic;
	// everything before it is an unconnected library message.
	msgUserBase
)

// User message type layout, starting at msgUserBase:
//
//	Unreliable                                  1 value
//	UnreliableSequenced[0..NumChannels-1]       16 values
//	ReliableUnordered                            1 value
//	ReliableSequenced[0..NumChannels-1]          16 values
//	ReliableOrdered[0..NumChannels-1]            16 values
const (
	MsgUnreliable               = msgUserBase
	msgUnreliableSequencedBase  = MsgUnreliable + 1
	MsgReliableUnordered        = msgUnreliableSequencedBase + NumChannels
	msgReliableSequencedBase    = MsgReliableUnordered + 1
	msgReliableOrderedBase      = msgReliableSequencedBase + NumChannels
	msgUserEnd                  = msgReliableOrderedBase + NumChannels
)

// DeliveryMethod is the application-facing delivery guarantee
// selector.
type DeliveryMethod uint8

const (
	Unreliable DeliveryMethod = iota
	UnreliableSequenced
	ReliableUnordered
	ReliableSequenced
	ReliableOrdered
)

func (d DeliveryMethod) String() string {
	switch d {
	case Unreliable:
		return "Unreliable"
	case UnreliableSequenced:
		return "UnreliableSequenced"
	case ReliableUnordered:
		return "ReliableUnordered"
	case ReliableSequenced:
		return "ReliableSequenced"
	case ReliableOrdered:
		return "ReliableOrdered"
	default:
		return fmt.Sprintf("DeliveryMethod(%d)", uint8(d))
	}
}

// IsReliable reports whether messages sent with d are acknowledged
// and retransmitted.
func (d DeliveryMethod) IsReliable() bool {
	return d == ReliableUnordered || d == ReliableSequenced || d == ReliableOrdered
}

// IsOrdered reports whether d has a per-channel ordered release
// discipline (as opposed to release-on-arrival or sequenced-only).
func (d DeliveryMethod) IsOrdered() bool { return d == ReliableOrdered }

// IsSequenced reports whether d carries a channel-scoped monotonic
// sequence number used to discard stale messages.
func (d DeliveryMethod) IsSequenced() bool {
	return d == UnreliableSequenced || d == ReliableSequenced || d == ReliableOrdered
}

// HasChannel reports whether d is parameterized by a channel index in
// [0, NumChannels).
func (d DeliveryMethod) HasChannel() bool {
	return d == UnreliableSequenced || d == ReliableSequenced || d == ReliableOrdered
}

// WireType maps a delivery method and channel to its wire message
// type. channel is ignored for methods that are not channel-scoped.
func WireType(method DeliveryMethod, channel int) (MessageType, error) {
	if method.HasChannel() && (channel < 0 || channel >= NumChannels) {
		return 0, fmt.Errorf("wire: channel %d out of range [0,%d)", channel, NumChannels)
	}
	switch method {
	case Unreliable:
		return MsgUnreliable, nil
	case UnreliableSequenced:
		return msgUnreliableSequencedBase + MessageType(channel), nil
	case ReliableUnordered:
		return MsgReliableUnordered, nil
	case ReliableSequenced:
		return msgReliableSequencedBase + MessageType(channel), nil
	case ReliableOrdered:
		return msgReliableOrderedBase + MessageType(channel), nil
	default:
		return 0, fmt.Errorf("wire: unknown delivery method %d", method)
	}
}

// IsUserMessage reports whether t is a user (application) message
// type rather than an unconnected library message.
func IsUserMessage(t MessageType) bool { return t >= msgUserBase && t < msgUserEnd }

// Delivery decodes a user message type back into its delivery method
// and channel index (channel is 0 for non-channel-scoped methods).
func Delivery(t MessageType) (method DeliveryMethod, channel int, ok bool) {
	switch {
	case t == MsgUnreliable:
		return Unreliable, 0, true
	case t >= msgUnreliableSequencedBase && t < msgUnreliableSequencedBase+NumChannels:
		return UnreliableSequenced, int(t - msgUnreliableSequencedBase), true
	case t == MsgReliableUnordered:
		return ReliableUnordered, 0, true
	case t >= msgReliableSequencedBase && t < msgReliableSequencedBase+NumChannels:
		return ReliableSequenced, int(t - msgReliableSequencedBase), true
	case t >= msgReliableOrderedBase && t < msgReliableOrderedBase+NumChannels:
		return ReliableOrdered, int(t - msgReliableOrderedBase), true
	default:
		return 0, 0, false
	}
}

// EnqueueResult reports the outcome of handing a message to a sender
// channel.
type EnqueueResult uint8

const (
	EnqueueSent EnqueueResult = iota
	EnqueueQueued
	EnqueueDropped
	EnqueueFailed
)

func (r EnqueueResult) String() string {
	switch r {
	case EnqueueSent:
		return "Sent"
	case EnqueueQueued:
		return "Queued"
	case EnqueueDropped:
		return "Dropped"
	case EnqueueFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
