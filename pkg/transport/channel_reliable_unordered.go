package transport

import (
	"time"

	"github.com/wireforge/peerlink/pkg/wire"
)

// ReliableUnorderedChannel implements ReliableUnordered: every message
// is acknowledged and resent until acked (selective-repeat ARQ, spec
// §4.4.5), but messages are released to the application in whatever
// order they are fully reassembled, with no ordering gate.
type ReliableUnorderedChannel struct {
	base channelBase
	arq  *reliableARQ
	re   *Reassembler

	seen *seenSet
}

// NewReliableUnorderedChannel constructs the single per-connection
// ReliableUnordered channel.
func NewReliableUnorderedChannel(send SendFrame, mtu func() int, fragGroup func() uint64, windowSize int, rtt func() time.Duration, now ...func() time.Time) *ReliableUnorderedChannel {
	c := &ReliableUnorderedChannel{
		base: channelBase{method: wire.ReliableUnordered, send: send, mtu: mtu, fragGroup: fragGroup},
		re:   NewReassembler(),
		seen: newSeenSet(),
	}
	c.arq = newReliableARQ(&c.base, windowSize, rtt, variadicClock(now))
	return c
}

func (c *ReliableUnorderedChannel) Enqueue(payload []byte) wire.EnqueueResult {
	return c.arq.enqueue(payload)
}

func (c *ReliableUnorderedChannel) SendQueuedMessages(now time.Time) { c.arq.sendQueued(now) }

func (c *ReliableUnorderedChannel) Receive(f *wire.Frame, now time.Time) [][]byte {
	if c.seen.Contains(f.SequenceNumber) {
		return nil
	}
	c.seen.Mark(f.SequenceNumber, c.arq.WindowSize())

	if f.Fragment == nil {
		return [][]byte{f.Payload}
	}
	data, complete, err := c.re.AddChunk(f.Fragment, f.Payload)
	if err != nil || !complete {
		return nil
	}
	return [][]byte{data}
}

func (c *ReliableUnorderedChannel) ReceiveAcknowledge(seqNr uint16, now time.Time) bool {
	return c.arq.receiveAck(seqNr, now)
}

func (c *ReliableUnorderedChannel) Reset() {
	c.arq.reset()
	c.re.Reset()
	c.seen.Reset()
}
