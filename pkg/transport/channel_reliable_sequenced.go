package transport

import (
	"time"

	"github.com/wireforge/peerlink/pkg/wire"
)

// ReliableSequencedChannel implements ReliableSequenced: every frame is
// acknowledged and resent like ReliableUnordered, but once a newer
// logical message has been delivered, any later-arriving older message
// is acknowledged (so the sender stops resending it) yet discarded
// rather than handed to the application (spec §4.4.4).
//
// A message's logical position is the sequence number its first chunk
// would have carried, recovered as seq - chunkIndex in the channel's
// circular space; for an unfragmented message this is just its own
// sequence number. Because one channel allocates sequence numbers in
// strictly increasing enqueue order, and a message's chunks always
// occupy a contiguous run of sequence numbers, this key is stable
// regardless of which chunk of a fragmented message happens to arrive
// first.
type ReliableSequencedChannel struct {
	base channelBase
	arq  *reliableARQ
	re   *Reassembler

	seen          *seenSet
	haveDelivered bool
	highestBase   uint16
}

// NewReliableSequencedChannel constructs one of the 16 independent
// ReliableSequenced channels.
func NewReliableSequencedChannel(index int, send SendFrame, mtu func() int, fragGroup func() uint64, windowSize int, rtt func() time.Duration, now ...func() time.Time) *ReliableSequencedChannel {
	c := &ReliableSequencedChannel{
		base: channelBase{method: wire.ReliableSequenced, index: index, send: send, mtu: mtu, fragGroup: fragGroup},
		re:   NewReassembler(),
		seen: newSeenSet(),
	}
	c.arq = newReliableARQ(&c.base, windowSize, rtt, variadicClock(now))
	return c
}

func (c *ReliableSequencedChannel) Enqueue(payload []byte) wire.EnqueueResult {
	return c.arq.enqueue(payload)
}

func (c *ReliableSequencedChannel) SendQueuedMessages(now time.Time) { c.arq.sendQueued(now) }

func baseKey(f *wire.Frame) uint16 {
	if f.Fragment == nil {
		return f.SequenceNumber
	}
	return wire.Advance(f.SequenceNumber, -int32(f.Fragment.ChunkIndex))
}

func (c *ReliableSequencedChannel) Receive(f *wire.Frame, now time.Time) [][]byte {
	if c.seen.Contains(f.SequenceNumber) {
		return nil
	}
	c.seen.Mark(f.SequenceNumber, c.arq.WindowSize())

	key := baseKey(f)
	if c.haveDelivered && !wire.Less(c.highestBase, key) {
		return nil // stale message, already acked via the ARQ dedupe above
	}

	var payload []byte
	if f.Fragment == nil {
		payload = f.Payload
	} else {
		data, complete, err := c.re.AddChunk(f.Fragment, f.Payload)
		if err != nil || !complete {
			return nil
		}
		payload = data
	}

	c.highestBase = key
	c.haveDelivered = true
	return [][]byte{payload}
}

func (c *ReliableSequencedChannel) ReceiveAcknowledge(seqNr uint16, now time.Time) bool {
	return c.arq.receiveAck(seqNr, now)
}

func (c *ReliableSequencedChannel) Reset() {
	c.arq.reset()
	c.re.Reset()
	c.seen.Reset()
	c.haveDelivered = false
	c.highestBase = 0
}
