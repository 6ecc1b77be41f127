package transport

import (
	"time"

	"github.com/wireforge/peerlink/pkg/wire"
)

// SendFrame is the callback a Channel uses to actually place a framed
// message on the wire. Channels never own the socket; the connection's
// pump integration supplies this at construction.
type SendFrame func(f *wire.Frame)

// Channel is the per-delivery-method, per-channel-index sender and
// receiver state machine a Connection drives once per pump tick.
// Grounded on the five reliability layers spec §4.4 describes;
// generalized from the teacher's single best-effort datagram path
// (source/protocol/raknet.go had no ARQ at all) into five concrete
// implementations sharing this interface.
type Channel interface {
	// Enqueue hands a fully-prepared application payload to the
	// channel for sending, returning the result spec §4.4.1 requires
	// (Sent when every frame went out immediately, Queued when a
	// reliable window is full, Dropped when the Unreliable channel's
	// DropAboveMTU policy discards an oversize payload). No channel
	// returns Failed; Connection.Send and Peer.Send report it.
	Enqueue(payload []byte) wire.EnqueueResult

	// SendQueuedMessages is invoked once per pump tick and emits
	// whatever frames are now due: resends past their resend delay,
	// and newly queued messages that now fit in the send window.
	SendQueuedMessages(now time.Time)

	// Receive processes one inbound frame already known to belong to
	// this channel (dispatch by wire.MessageType happens in the
	// connection). It returns the application payloads that are now
	// releasable to the incoming queue, in delivery order.
	Receive(f *wire.Frame, now time.Time) [][]byte

	// ReceiveAcknowledge processes one sequence number carried in an
	// incoming Acknowledge message, reporting whether this channel was
	// the one that had allocated it. Channels with no ARQ always
	// report false.
	ReceiveAcknowledge(seqNr uint16, now time.Time) bool

	// Reset discards all channel state; used on disconnect.
	Reset()
}

// channelBase holds fields every concrete channel implementation
// needs: how to frame and emit a message, and which wire type/channel
// index to stamp outgoing frames with.
type channelBase struct {
	method    wire.DeliveryMethod
	index     int
	send      SendFrame
	mtu       func() int
	fragGroup func() uint64
}

func (b *channelBase) wireType() wire.MessageType {
	t, _ := wire.WireType(b.method, b.index)
	return t
}

// frameChunks returns payload as a single unfragmented chunk when its
// framed size fits the MTU, and otherwise splits it into fragment
// chunks (spec §4.4.6). It emits nothing itself: the caller frames and
// sends each chunk, and a reliable channel allocates one sequence
// number per chunk, so every chunk is acknowledged independently.
func (b *channelBase) frameChunks(payload []byte) []FragmentChunk {
	mtu := DefaultMTU
	if b.mtu != nil {
		mtu = b.mtu()
	}
	framed := wire.HeaderSize + len(payload)
	if framed <= mtu {
		return []FragmentChunk{{Payload: payload}}
	}
	groupID := uint64(1)
	if b.fragGroup != nil {
		groupID = b.fragGroup()
	}
	return SplitIntoFragments(groupID, payload, mtu)
}

func (b *channelBase) emit(seqNr uint16, chunk FragmentChunk) {
	var frag *wire.Fragment
	if chunk.Fragment.ChunkByteSize != 0 {
		f := chunk.Fragment
		frag = &f
	}
	b.send(&wire.Frame{
		Type:           b.wireType(),
		SequenceNumber: seqNr,
		Fragment:       frag,
		Payload:        chunk.Payload,
	})
}

// resendDelay implements spec §4.4.5's resend timing:
// max(0.1, 2*RTT+0.01) seconds.
func resendDelay(rtt time.Duration) time.Duration {
	d := 2*rtt + 10*time.Millisecond
	min := 100 * time.Millisecond
	if d < min {
		return min
	}
	return d
}

// arqSlot is one outstanding (or just-acknowledged but not yet retired)
// frame in a reliableARQ's send window. acked is the spec's per-slot
// entry in the "receivedAcks bitvector"; numSent counts every
// transmission, the initial send plus every resend.
type arqSlot struct {
	chunk   FragmentChunk
	sentAt  time.Time
	numSent int
	acked   bool
}

// reliableARQ is the shared selective-repeat send path for every
// reliable channel (spec §4.4.5): a sliding window of outstanding
// frames, each carrying its own acked bit, resent on a per-slot timer
// or — when a later slot is acked while an earlier one is not, "a hole
// in the sequence" — on a faster gap-driven schedule. The three
// reliable channel types differ only in their receive-side
// dedupe/ordering discipline, implemented on top of this shared base.
//
// Sequence numbers are this ARQ's own counter: every reliable channel
// owns an exclusive 15-bit sequence space (spec §3's "per-channel
// circular counter"), so an incoming Acknowledge's (messageType,
// sequenceNumber) pair always names exactly one channel's slot.
type reliableARQ struct {
	base       *channelBase
	windowSize int
	rtt        func() time.Duration
	now        func() time.Time
	onResend   func()

	nextSeq     uint16
	outstanding []uint16 // seq numbers in allocation order; mirrors the keys of stored
	stored      map[uint16]*arqSlot
	pending     []FragmentChunk // chunks not yet admitted into the window
}

func newReliableARQ(base *channelBase, windowSize int, rtt func() time.Duration, now func() time.Time) *reliableARQ {
	return &reliableARQ{
		base:       base,
		windowSize: windowSize,
		rtt:        rtt,
		now:        now,
		stored:     make(map[uint16]*arqSlot),
	}
}

// SetOnResend installs a callback invoked once per slot retransmission
// (used to drive Stats.ReliableResends).
func (a *reliableARQ) SetOnResend(f func()) { a.onResend = f }

// WindowSize reports the configured send/receive window, used by the
// receive-side seenSet to bound its dedupe horizon to the same span.
func (a *reliableARQ) WindowSize() int { return a.windowSize }

// variadicClock lets a channel constructor accept an optional clock
// callback (tests that don't care about wall-clock fidelity can omit
// it) while still giving every reliableARQ a consistent time source.
func variadicClock(now []func() time.Time) func() time.Time {
	if len(now) > 0 {
		return now[0]
	}
	return nil
}

func (a *reliableARQ) currentTime() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

// enqueue splits payload into frame-sized chunks (fragmenting per
// spec §4.4.6 when it does not fit the MTU) and appends them to the
// pending queue, admitting as many as the window currently allows.
func (a *reliableARQ) enqueue(payload []byte) wire.EnqueueResult {
	chunks := a.base.frameChunks(payload)
	a.pending = append(a.pending, chunks...)
	a.fillWindow(a.currentTime())
	if len(a.pending) > 0 {
		return wire.EnqueueQueued
	}
	return wire.EnqueueSent
}

func (a *reliableARQ) fillWindow(now time.Time) {
	for len(a.pending) > 0 && len(a.outstanding) < a.windowSize {
		chunk := a.pending[0]
		a.pending = a.pending[1:]
		seq := a.nextSeq
		a.nextSeq = wire.Advance(a.nextSeq, 1)
		a.stored[seq] = &arqSlot{chunk: chunk, sentAt: now, numSent: 1}
		a.outstanding = append(a.outstanding, seq)
		a.base.emit(seq, chunk)
	}
}

// sendQueued resends any unacked slot past its plain resend delay,
// fast-retransmits any unacked slot behind one the receiver has
// already acked (spec §4.4.5's gap/hole detection, at 0.35 of the
// normal delay), and tops up the window with newly eligible pending
// chunks.
func (a *reliableARQ) sendQueued(now time.Time) {
	delay := resendDelay(a.currentRTT())
	gapDelay := time.Duration(0.35 * float64(delay))

	sawAckedLater := false
	for i := len(a.outstanding) - 1; i >= 0; i-- {
		seq := a.outstanding[i]
		slot := a.stored[seq]
		if slot.acked {
			sawAckedLater = true
			continue
		}
		threshold := delay
		if sawAckedLater {
			threshold = gapDelay
		}
		if now.Sub(slot.sentAt) >= threshold {
			a.resend(seq, slot, now)
		}
	}
	a.fillWindow(now)
}

func (a *reliableARQ) resend(seq uint16, slot *arqSlot, now time.Time) {
	slot.sentAt = now
	slot.numSent++
	a.base.emit(seq, slot.chunk)
	if a.onResend != nil {
		a.onResend()
	}
}

func (a *reliableARQ) currentRTT() time.Duration {
	if a.rtt != nil {
		return a.rtt()
	}
	return 100 * time.Millisecond
}

// receiveAck marks seqNr's slot acked, if this channel is the one that
// allocated it, then advances the window across any now-contiguous
// run of acked slots at its front — an ack arriving out of order only
// retires its own slot, leaving the gap behind it to fast-retransmit
// until it, too, is acked.
func (a *reliableARQ) receiveAck(seqNr uint16, now time.Time) bool {
	slot, ok := a.stored[seqNr]
	if !ok {
		return false
	}
	slot.acked = true
	for len(a.outstanding) > 0 && a.stored[a.outstanding[0]].acked {
		delete(a.stored, a.outstanding[0])
		a.outstanding = a.outstanding[1:]
	}
	a.fillWindow(now)
	return true
}

func (a *reliableARQ) reset() {
	a.pending = nil
	a.nextSeq = 0
	a.outstanding = nil
	a.stored = make(map[uint16]*arqSlot)
}

// seenSet is the receive-side dedupe record a reliable channel keeps
// to discard a frame it has already delivered or acked, pruned to the
// sender's window horizon (spec §4.4.3) so it cannot grow without
// bound over the life of a connection: nothing outside the sender's
// current window can ever be legitimately resent, so a sequence number
// that falls behind the newest one seen by more than a window's worth
// of slots will never be seen again.
type seenSet struct {
	seen   map[uint16]bool
	newest uint16
	any    bool
}

func newSeenSet() *seenSet { return &seenSet{seen: make(map[uint16]bool)} }

// Contains reports whether seq has already been recorded.
func (s *seenSet) Contains(seq uint16) bool { return s.seen[seq] }

// Mark records seq as seen and prunes anything now further than
// windowSize behind the newest sequence number recorded.
func (s *seenSet) Mark(seq uint16, windowSize int) {
	s.seen[seq] = true
	if !s.any || wire.Less(s.newest, seq) {
		s.newest = seq
		s.any = true
	}
	horizon := int32(windowSize)
	for old := range s.seen {
		if wire.Relative(old, s.newest) > horizon {
			delete(s.seen, old)
		}
	}
}

// Reset discards all recorded sequence numbers.
func (s *seenSet) Reset() {
	s.seen = make(map[uint16]bool)
	s.any = false
	s.newest = 0
}
