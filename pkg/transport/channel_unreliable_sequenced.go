package transport

import (
	"time"

	"github.com/wireforge/peerlink/pkg/wire"
)

// UnreliableSequencedChannel implements UnreliableSequenced: fire and
// forget like Unreliable, but the receiver discards any message that
// arrives older (in the channel's own 15-bit sequence space) than the
// newest one already delivered. No ARQ, no resend, no fragmentation —
// a message that does not fit the MTU is sent as-is (spec §4.4).
type UnreliableSequencedChannel struct {
	base channelBase

	nextSend uint16

	haveReceived bool
	highest      uint16
}

// NewUnreliableSequencedChannel constructs one of the 16 independent
// UnreliableSequenced channels.
func NewUnreliableSequencedChannel(index int, send SendFrame) *UnreliableSequencedChannel {
	return &UnreliableSequencedChannel{
		base: channelBase{method: wire.UnreliableSequenced, index: index, send: send},
	}
}

func (c *UnreliableSequencedChannel) Enqueue(payload []byte) wire.EnqueueResult {
	seq := c.nextSend
	c.nextSend = wire.Advance(c.nextSend, 1)
	c.base.emit(seq, FragmentChunk{Payload: payload})
	return wire.EnqueueSent
}

func (c *UnreliableSequencedChannel) SendQueuedMessages(now time.Time) {}

func (c *UnreliableSequencedChannel) Receive(f *wire.Frame, now time.Time) [][]byte {
	if c.haveReceived && !wire.Less(c.highest, f.SequenceNumber) {
		return nil
	}
	c.highest = f.SequenceNumber
	c.haveReceived = true
	return [][]byte{f.Payload}
}

func (c *UnreliableSequencedChannel) ReceiveAcknowledge(seqNr uint16, now time.Time) bool {
	return false
}

func (c *UnreliableSequencedChannel) Reset() {
	c.nextSend = 0
	c.haveReceived = false
	c.highest = 0
}
