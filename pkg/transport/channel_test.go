package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireforge/peerlink/pkg/wire"
)

func fixedMTU(n int) func() int { return func() int { return n } }

func captureSend() (SendFrame, *[]*wire.Frame) {
	frames := make([]*wire.Frame, 0)
	return func(f *wire.Frame) { frames = append(frames, f) }, &frames
}

func TestUnreliableChannelDropAboveMTU(t *testing.T) {
	send, frames := captureSend()
	c := NewUnreliableChannel(send, fixedMTU(16), func() uint64 { return 1 }, DropAboveMTU)

	result := c.Enqueue(make([]byte, 64))
	assert.Equal(t, wire.EnqueueDropped, result)
	assert.Empty(t, *frames)
}

func TestUnreliableChannelNormalFragmentation(t *testing.T) {
	send, frames := captureSend()
	c := NewUnreliableChannel(send, fixedMTU(32), func() uint64 { return 1 }, NormalFragmentation)

	result := c.Enqueue(make([]byte, 256))
	assert.Equal(t, wire.EnqueueSent, result)
	assert.Greater(t, len(*frames), 1)
}

func TestReliableUnorderedResendsUntilAcked(t *testing.T) {
	send, frames := captureSend()
	clock := NewManualClock(time.Unix(0, 0))
	rtt := func() time.Duration { return 50 * time.Millisecond }
	c := NewReliableUnorderedChannel(send, fixedMTU(1408), func() uint64 { return 1 }, 8, rtt, clock.Now)

	result := c.Enqueue([]byte("hello"))
	require.Equal(t, wire.EnqueueSent, result)
	require.Len(t, *frames, 1)

	// Before the resend delay elapses, nothing more is sent.
	c.SendQueuedMessages(clock.Now())
	assert.Len(t, *frames, 1)

	clock.Advance(resendDelay(rtt()) + time.Millisecond)
	c.SendQueuedMessages(clock.Now())
	assert.Len(t, *frames, 2)

	ackedSeq := (*frames)[0].SequenceNumber
	assert.True(t, c.ReceiveAcknowledge(ackedSeq, clock.Now()))
	// A second ack for the same sequence number no longer matches.
	assert.False(t, c.ReceiveAcknowledge(ackedSeq, clock.Now()))

	clock.Advance(resendDelay(rtt()) + time.Millisecond)
	c.SendQueuedMessages(clock.Now())
	assert.Len(t, *frames, 2, "an acked slot must never be resent")
}

func TestReliableUnorderedWindowAdmission(t *testing.T) {
	send, frames := captureSend()
	c := NewReliableUnorderedChannel(send, fixedMTU(1408), func() uint64 { return 1 }, 2, func() time.Duration { return time.Millisecond })

	c.Enqueue([]byte("a"))
	c.Enqueue([]byte("b"))
	result := c.Enqueue([]byte("c"))

	assert.Equal(t, wire.EnqueueQueued, result)
	assert.Len(t, *frames, 2, "only windowSize frames may be outstanding at once")

	require.True(t, c.ReceiveAcknowledge((*frames)[0].SequenceNumber, time.Now()))
	assert.Len(t, *frames, 3, "acking a slot admits the next pending chunk")
}

func TestReliableSequencedDropsStaleMessage(t *testing.T) {
	send, _ := captureSend()
	rtt := func() time.Duration { return time.Millisecond }
	c := NewReliableSequencedChannel(0, send, fixedMTU(1408), func() uint64 { return 1 }, 8, rtt)

	newer := &wire.Frame{Type: wire.MsgUnreliable, SequenceNumber: 5, Payload: []byte("newer")}
	older := &wire.Frame{Type: wire.MsgUnreliable, SequenceNumber: 2, Payload: []byte("older")}

	out := c.Receive(newer, time.Now())
	require.Equal(t, [][]byte{[]byte("newer")}, out)

	out = c.Receive(older, time.Now())
	assert.Nil(t, out, "an older message arriving after a newer one must be discarded")
}

func TestReliableOrderedWithholdsUntilContiguous(t *testing.T) {
	send, _ := captureSend()
	rtt := func() time.Duration { return time.Millisecond }
	c := NewReliableOrderedChannel(0, send, fixedMTU(1408), func() uint64 { return 1 }, 8, rtt)

	first := &wire.Frame{Type: wire.MsgUnreliable, SequenceNumber: 0, Payload: []byte("first")}
	second := &wire.Frame{Type: wire.MsgUnreliable, SequenceNumber: 1, Payload: []byte("second")}
	third := &wire.Frame{Type: wire.MsgUnreliable, SequenceNumber: 2, Payload: []byte("third")}

	// second arrives before first: withheld, nothing released.
	out := c.Receive(second, time.Now())
	assert.Nil(t, out)

	// third arrives too: still withheld.
	out = c.Receive(third, time.Now())
	assert.Nil(t, out)

	// first arrives: releases first, then second and third in order.
	out = c.Receive(first, time.Now())
	require.Equal(t, [][]byte{[]byte("first"), []byte("second"), []byte("third")}, out)
}

func TestUnreliableSequencedDiscardsOlder(t *testing.T) {
	send, _ := captureSend()
	c := NewUnreliableSequencedChannel(0, send)

	newer := &wire.Frame{SequenceNumber: 10, Payload: []byte("newer")}
	older := &wire.Frame{SequenceNumber: 3, Payload: []byte("older")}

	require.Equal(t, [][]byte{[]byte("newer")}, c.Receive(newer, time.Now()))
	assert.Nil(t, c.Receive(older, time.Now()))
}

func TestResendDelayFloor(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, resendDelay(0))
	assert.Equal(t, 2*50*time.Millisecond+10*time.Millisecond, resendDelay(50*time.Millisecond))
}

// TestReliableARQFastRetransmitsGapBehindAckedSlot covers spec
// §4.4.5's gap/hole detection: once a later slot is acked while an
// earlier one is not, the earlier slot is resent at 0.35 of the
// normal delay instead of waiting for the full timer.
func TestReliableARQFastRetransmitsGapBehindAckedSlot(t *testing.T) {
	send, frames := captureSend()
	clock := NewManualClock(time.Unix(0, 0))
	rtt := func() time.Duration { return 50 * time.Millisecond }
	c := NewReliableUnorderedChannel(send, fixedMTU(1408), func() uint64 { return 1 }, 8, rtt, clock.Now)

	c.Enqueue([]byte("a"))
	c.Enqueue([]byte("b"))
	require.Len(t, *frames, 2)
	seqA := (*frames)[0].SequenceNumber
	seqB := (*frames)[1].SequenceNumber

	// b is acked; a is not, so a is now a gap.
	require.True(t, c.ReceiveAcknowledge(seqB, clock.Now()))

	full := resendDelay(rtt())
	gap := time.Duration(0.35 * float64(full))

	// Shortly after the gap/hole timer but still well short of the
	// plain resend timer: only the gapped slot a is resent.
	clock.Advance(gap + time.Millisecond)
	c.SendQueuedMessages(clock.Now())
	require.Len(t, *frames, 3)
	assert.Equal(t, seqA, (*frames)[2].SequenceNumber)
}

// TestReliableChannelsAllocateIndependentSequenceSpaces covers spec §3's
// per-channel 15-bit circular counter: two reliable channels on the
// same connection must not contend over the same sequence numbers, so
// each one's first frame is sequence zero regardless of what the other
// channel has already sent.
func TestReliableChannelsAllocateIndependentSequenceSpaces(t *testing.T) {
	sendA, framesA := captureSend()
	sendB, framesB := captureSend()
	rtt := func() time.Duration { return time.Millisecond }

	a := NewReliableUnorderedChannel(sendA, fixedMTU(1408), func() uint64 { return 1 }, 8, rtt)
	b := NewReliableSequencedChannel(0, sendB, fixedMTU(1408), func() uint64 { return 1 }, 8, rtt)

	a.Enqueue([]byte("first"))
	a.Enqueue([]byte("second"))
	b.Enqueue([]byte("only"))

	require.Len(t, *framesA, 2)
	require.Len(t, *framesB, 1)
	assert.Equal(t, uint16(0), (*framesA)[0].SequenceNumber)
	assert.Equal(t, uint16(1), (*framesA)[1].SequenceNumber)
	assert.Equal(t, uint16(0), (*framesB)[0].SequenceNumber, "channel b's own counter starts at zero independently of channel a")
}

// TestSeenSetPrunesBeyondWindow covers spec §4.4.3's dedupe horizon:
// the receive-side seen set must not grow without bound over the life
// of a connection.
func TestSeenSetPrunesBeyondWindow(t *testing.T) {
	s := newSeenSet()
	const window = 4
	for i := uint16(0); i < 100; i++ {
		s.Mark(i, window)
	}
	assert.LessOrEqual(t, len(s.seen), window+1)
	assert.False(t, s.Contains(0), "a sequence number far behind the newest must be pruned")
	assert.True(t, s.Contains(99))
}
