package transport

import (
	"time"

	"github.com/wireforge/peerlink/pkg/logging"
	"github.com/wireforge/peerlink/pkg/wire"
)

// UnreliableChannel implements the Unreliable delivery method: fire
// and forget, no sequence number, no acknowledgement, no resend.
// Oversize payloads are handled per the configured
// UnreliableSizeBehavior (spec §4.5).
type UnreliableChannel struct {
	base     channelBase
	behavior UnreliableSizeBehavior
}

// NewUnreliableChannel constructs the single per-connection Unreliable
// channel.
func NewUnreliableChannel(send SendFrame, mtu func() int, fragGroup func() uint64, behavior UnreliableSizeBehavior) *UnreliableChannel {
	return &UnreliableChannel{
		base:     channelBase{method: wire.Unreliable, send: send, mtu: mtu, fragGroup: fragGroup},
		behavior: behavior,
	}
}

func (c *UnreliableChannel) Enqueue(payload []byte) wire.EnqueueResult {
	mtu := DefaultMTU
	if c.base.mtu != nil {
		mtu = c.base.mtu()
	}
	oversize := wire.HeaderSize+len(payload) > mtu

	switch {
	case !oversize:
		c.base.emit(0, FragmentChunk{Payload: payload})
		return wire.EnqueueSent
	case c.behavior == DropAboveMTU:
		logging.Warn("transport: dropping %d-byte unreliable payload above MTU %d", len(payload), mtu)
		return wire.EnqueueDropped
	case c.behavior == NormalFragmentation:
		for _, chunk := range c.base.frameChunks(payload) {
			c.base.emit(0, chunk)
		}
		return wire.EnqueueSent
	default: // IgnoreMTU
		c.base.emit(0, FragmentChunk{Payload: payload})
		return wire.EnqueueSent
	}
}

func (c *UnreliableChannel) SendQueuedMessages(now time.Time) {}

func (c *UnreliableChannel) Receive(f *wire.Frame, now time.Time) [][]byte {
	return [][]byte{f.Payload}
}

func (c *UnreliableChannel) ReceiveAcknowledge(seqNr uint16, now time.Time) bool { return false }

func (c *UnreliableChannel) Reset() {}
