package transport

import (
	"time"

	"github.com/wireforge/peerlink/pkg/wire"
)

// orderedPending is a fully-reassembled message whose logical position
// is still ahead of the channel's expected release point.
type orderedPending struct {
	payload []byte
	count   uint16 // number of sequence numbers (chunks) this message consumed
}

// ReliableOrderedChannel implements ReliableOrdered: acknowledged,
// resent selective-repeat ARQ (spec §4.4.5) for reliability, plus a
// strict in-order release discipline — a fully reassembled message is
// withheld until every logically earlier message on the channel has
// already been released (spec §4.4.5's "withheld/early-received"
// behavior).
//
// expectedBase starts at zero and never needs to be learned from the
// first arrival: this channel owns an exclusive sequence space (its
// own reliableARQ counter, not one shared with any other channel), so
// the first chunk it ever sends is always sequence number zero. A
// receiver that instead latched expectedBase onto whichever message
// happened to arrive first would misorder delivery the moment that
// first arrival was itself reordered ahead of an earlier message.
type ReliableOrderedChannel struct {
	base channelBase
	arq  *reliableARQ
	re   *Reassembler

	seen *seenSet

	expectedBase uint16
	withheld     map[uint16]orderedPending
}

// NewReliableOrderedChannel constructs one of the 16 independent
// ReliableOrdered channels.
func NewReliableOrderedChannel(index int, send SendFrame, mtu func() int, fragGroup func() uint64, windowSize int, rtt func() time.Duration, now ...func() time.Time) *ReliableOrderedChannel {
	c := &ReliableOrderedChannel{
		base:     channelBase{method: wire.ReliableOrdered, index: index, send: send, mtu: mtu, fragGroup: fragGroup},
		re:       NewReassembler(),
		seen:     newSeenSet(),
		withheld: make(map[uint16]orderedPending),
	}
	c.arq = newReliableARQ(&c.base, windowSize, rtt, variadicClock(now))
	return c
}

func (c *ReliableOrderedChannel) Enqueue(payload []byte) wire.EnqueueResult {
	return c.arq.enqueue(payload)
}

func (c *ReliableOrderedChannel) SendQueuedMessages(now time.Time) { c.arq.sendQueued(now) }

func (c *ReliableOrderedChannel) Receive(f *wire.Frame, now time.Time) [][]byte {
	if c.seen.Contains(f.SequenceNumber) {
		return nil
	}
	c.seen.Mark(f.SequenceNumber, c.arq.WindowSize())

	key := baseKey(f)
	var payload []byte
	var count uint16 = 1
	if f.Fragment == nil {
		payload = f.Payload
	} else {
		data, complete, err := c.re.AddChunk(f.Fragment, f.Payload)
		if err != nil || !complete {
			return nil
		}
		payload = data
		numChunks := (f.Fragment.TotalBits + 7) / 8
		if f.Fragment.ChunkByteSize > 0 {
			count = uint16((numChunks + f.Fragment.ChunkByteSize - 1) / f.Fragment.ChunkByteSize)
		}
	}

	if key != c.expectedBase {
		// Early arrival: a logically earlier message has not yet been
		// fully reassembled. Withhold until it has been.
		c.withheld[key] = orderedPending{payload: payload, count: count}
		return nil
	}

	out := [][]byte{payload}
	c.expectedBase = wire.Advance(c.expectedBase, int32(count))
	for {
		next, ok := c.withheld[c.expectedBase]
		if !ok {
			break
		}
		delete(c.withheld, c.expectedBase)
		out = append(out, next.payload)
		c.expectedBase = wire.Advance(c.expectedBase, int32(next.count))
	}
	return out
}

func (c *ReliableOrderedChannel) ReceiveAcknowledge(seqNr uint16, now time.Time) bool {
	return c.arq.receiveAck(seqNr, now)
}

func (c *ReliableOrderedChannel) Reset() {
	c.arq.reset()
	c.re.Reset()
	c.seen.Reset()
	c.expectedBase = 0
	c.withheld = make(map[uint16]orderedPending)
}
