package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wireforge/peerlink/pkg/logging"
	"github.com/wireforge/peerlink/pkg/wire"
)

// ConnectionState is a node in the handshake/lifetime state machine
// spec §4.3 describes, grounded on the teacher's Player.Connected
// boolean (source/server/player.go), generalized from a single flag
// into the full None -> ... -> Disconnected progression.
type ConnectionState int

const (
	StateNone ConnectionState = iota
	StateInitiatedConnect
	StateReceivedInitiation
	StateRespondedConnect
	StateConnected
	StateConnectedSecured
	StateDisconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateInitiatedConnect:
		return "InitiatedConnect"
	case StateReceivedInitiation:
		return "ReceivedInitiation"
	case StateRespondedConnect:
		return "RespondedConnect"
	case StateConnected:
		return "Connected"
	case StateConnectedSecured:
		return "ConnectedSecured"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Connection is one remote endpoint's full protocol state: the five
// delivery-method channel sets, the handshake/timeout state machine,
// RTT smoothing, MTU negotiation, optional encryption and compression,
// and ack aggregation. Grounded on the teacher's Player
// (source/server/player.go) for per-remote bookkeeping shape and on
// source/protocol/raknet.go for the handshake/ping sequencing it
// approximates with ad hoc byte parsing; Connection replaces both with
// the channel/ARQ machinery in channel.go.
type Connection struct {
	mu sync.Mutex

	Addr       *net.UDPAddr
	RemoteGUID string

	state ConnectionState

	cfg    *PeerConfig
	clock  Clock
	stats  *Stats
	events *EventManager

	writeDatagram func(addr *net.UDPAddr, data []byte)

	mtuNow int
	outBuf *wire.MessageBuffer

	unreliable          *UnreliableChannel
	unreliableSequenced [wire.NumChannels]*UnreliableSequencedChannel
	reliableUnordered   *ReliableUnorderedChannel
	reliableSequenced   [wire.NumChannels]*ReliableSequencedChannel
	reliableOrdered     [wire.NumChannels]*ReliableOrderedChannel

	fragGroupCounter uint64

	pendingAcks []ackEntry

	smoothedRTT    time.Duration
	rttInitialized bool

	lastReceive     time.Time
	lastPingSent    time.Time
	pingOutstanding bool
	pingToken       uint64
	pingSentAt      time.Time

	connectAttempts   int
	lastHandshakeSend time.Time
	connectDeadline   time.Time

	disconnectDeadline time.Time
	disconnectReason   DisconnectReason

	mtuExpandAttempts    int
	lastMTUExpandAttempt time.Time

	encryption  *ChaCha20Poly1305Encryption
	dhKeyPair   *X25519KeyPair
	secured     bool
	isInitiator bool

	compressor           Compressor
	compressionThreshold int

	deliverIncoming func(*IncomingMessage)
	incomingPool    *IncomingPool
}

// NewConnection constructs a Connection for addr. writeDatagram is the
// Peer's raw socket write hook; deliverIncoming hands a fully decoded
// application message to the Peer's incoming queue.
func NewConnection(addr *net.UDPAddr, cfg *PeerConfig, clock Clock, stats *Stats, events *EventManager,
	writeDatagram func(addr *net.UDPAddr, data []byte), deliverIncoming func(*IncomingMessage), incomingPool *IncomingPool) *Connection {

	c := &Connection{
		Addr:            addr,
		state:           StateNone,
		cfg:             cfg,
		clock:           clock,
		stats:           stats,
		events:          events,
		writeDatagram:   writeDatagram,
		mtuNow:          int(cfg.MaximumTransmissionUnit),
		outBuf:          wire.NewEmptyMessageBuffer(),
		deliverIncoming: deliverIncoming,
		incomingPool:    incomingPool,
	}
	if cfg.EnableCompression {
		c.compressor = NewCompressor(cfg.CompressionType)
		c.compressionThreshold = cfg.CompressionThreshold
	}
	c.buildChannels()
	return c
}

// ackEntry is one (messageType, sequenceNumber) pair awaiting
// aggregation into an outgoing Acknowledge frame (spec §4.3): carrying
// the type alongside the sequence number lets the receiver route an
// ack directly to the channel that allocated it, since every reliable
// channel now owns its own exclusive sequence space.
type ackEntry struct {
	Type wire.MessageType
	Seq  uint16
}

func (c *Connection) nextFragGroup() uint64 {
	c.fragGroupCounter++
	return c.fragGroupCounter
}

func (c *Connection) mtu() int { return c.mtuNow }

func (c *Connection) rtt() time.Duration {
	if !c.rttInitialized {
		return 100 * time.Millisecond
	}
	return c.smoothedRTT
}

func (c *Connection) buildChannels() {
	windowSize := c.cfg.WindowSize
	send := c.appendFrame
	now := c.clock.Now
	onResend := func() {
		if c.stats != nil {
			c.stats.ReliableResends.Inc()
		}
	}
	onFragmentDone := func() {
		if c.stats != nil {
			c.stats.FragmentsReassembled.Inc()
		}
	}
	c.unreliable = NewUnreliableChannel(send, c.mtu, c.nextFragGroup, c.cfg.UnreliableSizeBehavior)
	c.reliableUnordered = NewReliableUnorderedChannel(send, c.mtu, c.nextFragGroup, windowSize, c.rtt, now)
	c.reliableUnordered.arq.SetOnResend(onResend)
	c.reliableUnordered.re.SetOnFinish(onFragmentDone)
	for i := 0; i < wire.NumChannels; i++ {
		c.unreliableSequenced[i] = NewUnreliableSequencedChannel(i, send)
		c.reliableSequenced[i] = NewReliableSequencedChannel(i, send, c.mtu, c.nextFragGroup, windowSize, c.rtt, now)
		c.reliableSequenced[i].arq.SetOnResend(onResend)
		c.reliableSequenced[i].re.SetOnFinish(onFragmentDone)
		c.reliableOrdered[i] = NewReliableOrderedChannel(i, send, c.mtu, c.nextFragGroup, windowSize, c.rtt, now)
		c.reliableOrdered[i].arq.SetOnResend(onResend)
		c.reliableOrdered[i].re.SetOnFinish(onFragmentDone)
	}
}

func (c *Connection) channelFor(method wire.DeliveryMethod, index int) Channel {
	switch method {
	case wire.Unreliable:
		return c.unreliable
	case wire.UnreliableSequenced:
		return c.unreliableSequenced[index]
	case wire.ReliableUnordered:
		return c.reliableUnordered
	case wire.ReliableSequenced:
		return c.reliableSequenced[index]
	case wire.ReliableOrdered:
		return c.reliableOrdered[index]
	default:
		return nil
	}
}

// Send enqueues an application payload for delivery, applying
// compression first when the connection has it enabled and the
// payload clears the configured threshold (spec §4.9).
func (c *Connection) Send(method wire.DeliveryMethod, channel int, payload []byte) (wire.EnqueueResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := c.channelFor(method, channel)
	if ch == nil {
		return wire.EnqueueFailed, fmt.Errorf("transport: invalid delivery method %v", method)
	}

	out := payload
	if c.compressor != nil && len(payload) >= c.compressionThreshold {
		compressed, err := c.compressor.Compress(payload)
		if err == nil && len(compressed) < len(payload) {
			out = compressed
		}
	}
	if c.encryption != nil && c.secured {
		sealed, err := c.encryption.Encrypt(out)
		if err != nil {
			return wire.EnqueueFailed, err
		}
		out = sealed
	}
	return ch.Enqueue(out), nil
}

// appendFrame is the SendFrame hook every channel uses. It byte-packs
// frames into outBuf, flushing a full datagram whenever the next frame
// would exceed the negotiated MTU (spec §4.2: "multiple frames packed
// per datagram"). Every Frame.Encode output is itself byte-aligned (the
// 40-bit fixed header plus an all-byte-aligned body), so frames can be
// concatenated as raw byte runs.
func (c *Connection) appendFrame(f *wire.Frame) {
	tmp := wire.NewEmptyMessageBuffer()
	f.Encode(tmp)
	encoded := tmp.Bytes()

	if c.outBuf.BitLength() > 0 && (c.outBuf.BitLength()/8)+len(encoded) > c.mtuNow {
		c.flushOutgoingLocked()
	}
	c.outBuf.WriteAlignedBytes(encoded)
}

func (c *Connection) flushOutgoingLocked() {
	if c.outBuf.BitLength() == 0 {
		return
	}
	data := append([]byte(nil), c.outBuf.Bytes()...)
	c.outBuf.Reset()
	c.writeDatagram(c.Addr, data)
	if c.stats != nil {
		c.stats.DatagramsSent.Inc()
		c.stats.BytesSent.Add(float64(len(data)))
	}
}

// FlushOutgoing emits whatever frames have accumulated this tick as a
// single datagram.
func (c *Connection) FlushOutgoing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushOutgoingLocked()
}

// EnqueueControlFrame appends one unconnected/library frame (handshake,
// ping/pong, MTU negotiation) to the outgoing buffer. Used by the Peer
// for control traffic that bypasses the per-delivery-method channels.
func (c *Connection) EnqueueControlFrame(f *wire.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendFrame(f)
}

// HandleFrame routes one decoded frame to its channel, recording
// reliable sequence numbers for ack aggregation and releasing any
// payloads the channel now considers deliverable.
func (c *Connection) HandleFrame(f *wire.Frame, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReceive = now

	if f.Type == wire.MsgAcknowledge {
		c.handleAckLocked(f.Payload)
		return
	}

	method, index, ok := wire.Delivery(f.Type)
	if !ok {
		logging.Warn("transport: dropping frame with unknown type %d from %s", f.Type, c.Addr)
		return
	}
	if method.IsReliable() {
		c.pendingAcks = append(c.pendingAcks, ackEntry{Type: f.Type, Seq: f.SequenceNumber})
	}

	ch := c.channelFor(method, index)
	if ch == nil {
		return
	}
	for _, payload := range ch.Receive(f, now) {
		c.releaseLocked(payload)
	}
}

func (c *Connection) releaseLocked(payload []byte) {
	out := payload
	if c.encryption != nil && c.secured {
		plain, err := c.encryption.Decrypt(out)
		if err != nil {
			logging.Warn("transport: decrypt failed from %s: %v", c.Addr, err)
			return
		}
		out = plain
	}
	if c.compressor != nil {
		if decompressed, err := c.compressor.Decompress(out); err == nil {
			out = decompressed
		}
	}
	msg := c.incomingPool.Get()
	msg.Payload = out
	msg.SenderAddr = c.Addr
	msg.SenderConn = c
	c.deliverIncoming(msg)
}

// handleAckLocked processes an incoming Acknowledge frame, which
// aggregates one (messageType, sequenceNumber) pair per acknowledged
// reliable frame (spec §4.3). The type names the channel the sequence
// number belongs to directly, so each ack routes to exactly one
// channel rather than being tried against every reliable channel in
// turn.
func (c *Connection) handleAckLocked(payload []byte) {
	buf := wire.NewMessageBuffer(payload)
	n, err := buf.ReadVarUint64()
	if err != nil {
		return
	}
	now := c.clock.Now()
	for i := uint64(0); i < n; i++ {
		typ, err := buf.ReadUint8()
		if err != nil {
			return
		}
		v, err := buf.ReadRangedUint(15)
		if err != nil {
			return
		}
		seq := uint16(v)

		method, index, ok := wire.Delivery(wire.MessageType(typ))
		if !ok {
			continue
		}
		ch := c.channelFor(method, index)
		if ch == nil {
			continue
		}
		if ch.ReceiveAcknowledge(seq, now) {
			if c.stats != nil {
				c.stats.AcksReceived.Inc()
			}
		}
	}
}

// Tick drives all periodic, time-based work for this connection: it
// must be called once per pump iteration (spec §4.7).
func (c *Connection) Tick(now time.Time) {
	c.mu.Lock()

	c.flushAcksLocked()
	handshakeRefused := c.maybeResendHandshakeLocked(now)
	lingerExpired := c.maybeFinishDisconnectLocked(now)

	c.unreliable.SendQueuedMessages(now)
	c.reliableUnordered.SendQueuedMessages(now)
	for i := 0; i < wire.NumChannels; i++ {
		c.unreliableSequenced[i].SendQueuedMessages(now)
		c.reliableSequenced[i].SendQueuedMessages(now)
		c.reliableOrdered[i].SendQueuedMessages(now)
	}

	c.maybeSendPingLocked(now)
	c.flushOutgoingLocked()
	c.mu.Unlock()

	if handshakeRefused {
		c.SetState(StateDisconnected, ReasonHandshakeRefused)
	}
	if lingerExpired {
		c.SetState(StateDisconnected, ReasonGraceful)
	}
}

// Disconnect begins a graceful shutdown of this connection (spec
// §4.3's {Connected, ConnectedSecured} -> Disconnecting transition):
// it notifies the remote side and gives any already-queued reliable
// traffic up to DisconnectLinger to drain before the connection is
// finally torn down by Tick.
func (c *Connection) Disconnect(now time.Time) {
	c.mu.Lock()
	if c.state != StateConnected && c.state != StateConnectedSecured {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	c.disconnectDeadline = now.Add(c.cfg.DisconnectLinger)
	c.appendFrame(&wire.Frame{Type: wire.MsgDisconnect})
	c.flushOutgoingLocked()
	c.mu.Unlock()

	if c.events != nil {
		c.events.triggerStatus(StatusChangedEvent{Connection: c, Status: StateDisconnecting, Reason: ReasonGraceful})
	}
}

// maybeFinishDisconnectLocked reports whether a Disconnecting
// connection's linger window has elapsed, so the caller can finish
// the transition to Disconnected outside the lock.
func (c *Connection) maybeFinishDisconnectLocked(now time.Time) bool {
	if c.state != StateDisconnecting {
		return false
	}
	return !now.Before(c.disconnectDeadline)
}

// StartHandshake records the initial Connect attempt's timestamp so
// maybeResendHandshakeLocked knows when to retry (spec §4.3:
// ResendHandshakeInterval / MaximumHandshakeAttempts).
func (c *Connection) StartHandshake(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectAttempts = 1
	c.lastHandshakeSend = now
	c.connectDeadline = now.Add(c.cfg.ConnectTimeout)
}

// maybeResendHandshakeLocked resends the Connect request on
// ResendHandshakeInterval while state is InitiatedConnect, up to
// MaximumHandshakeAttempts; it reports true once that ceiling is
// reached so the caller can move the connection to Disconnected
// outside the lock SetState itself needs to take.
func (c *Connection) maybeResendHandshakeLocked(now time.Time) bool {
	if c.state != StateInitiatedConnect {
		return false
	}
	if !c.connectDeadline.IsZero() && now.After(c.connectDeadline) {
		return true
	}
	if now.Sub(c.lastHandshakeSend) < c.cfg.ResendHandshakeInterval {
		return false
	}
	if c.connectAttempts >= c.cfg.MaximumHandshakeAttempts {
		return true
	}
	c.connectAttempts++
	c.lastHandshakeSend = now
	buf := wire.NewEmptyMessageBuffer()
	buf.WriteString(c.cfg.AppIdentifier)
	c.appendFrame(&wire.Frame{Type: wire.MsgConnectRequest, Payload: buf.Bytes()})
	return false
}

func (c *Connection) flushAcksLocked() {
	if len(c.pendingAcks) == 0 {
		return
	}
	buf := wire.NewEmptyMessageBuffer()
	buf.WriteVarUint64(uint64(len(c.pendingAcks)))
	for _, e := range c.pendingAcks {
		buf.WriteUint8(uint8(e.Type))
		buf.WriteRangedUint(uint64(e.Seq), 15)
	}
	c.pendingAcks = c.pendingAcks[:0]
	c.appendFrame(&wire.Frame{Type: wire.MsgAcknowledge, Payload: buf.Bytes()})
	if c.stats != nil {
		c.stats.AcksSent.Inc()
	}
}

func (c *Connection) maybeSendPingLocked(now time.Time) {
	if c.state != StateConnected && c.state != StateConnectedSecured {
		return
	}
	if c.pingOutstanding || now.Sub(c.lastPingSent) < c.cfg.PingInterval {
		return
	}
	c.pingToken++
	buf := wire.NewEmptyMessageBuffer()
	buf.WriteVarUint64(c.pingToken)
	c.pingSentAt = now
	c.lastPingSent = now
	c.pingOutstanding = true
	c.appendFrame(&wire.Frame{Type: wire.MsgPing, Payload: buf.Bytes()})
}

// HandlePong records an RTT sample and applies the EWMA smoothing spec
// §4.7 specifies: newRtt = 0.25*sample + 0.75*old.
func (c *Connection) HandlePong(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pingOutstanding {
		return
	}
	c.pingOutstanding = false
	sample := now.Sub(c.pingSentAt)
	if !c.rttInitialized {
		c.smoothedRTT = sample
		c.rttInitialized = true
	} else {
		c.smoothedRTT = time.Duration(0.25*float64(sample) + 0.75*float64(c.smoothedRTT))
	}
	if c.stats != nil {
		c.stats.SmoothedRTTSeconds.WithLabelValues(c.Addr.String()).Set(c.smoothedRTT.Seconds())
	}
}

// TimedOut reports whether no traffic has been observed within
// ConnectionTimeout (spec §4.3).
func (c *Connection) TimedOut(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReceive.IsZero() {
		return false
	}
	return now.Sub(c.lastReceive) > c.cfg.ConnectionTimeout
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the connection and raises a StatusChanged event
// when events is non-nil.
func (c *Connection) SetState(s ConnectionState, reason DisconnectReason) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.disconnectReason = reason
	c.mu.Unlock()

	if old == s {
		return
	}
	if c.stats != nil {
		switch s {
		case StateConnected:
			c.stats.ConnectionsEstablished.Inc()
		case StateDisconnected:
			c.stats.ConnectionsClosed.WithLabelValues(string(reason)).Inc()
		}
	}
	if c.events != nil {
		c.events.triggerStatus(StatusChangedEvent{Connection: c, Status: s, Reason: reason})
		if s == StateConnected {
			c.events.triggerEstablished(ConnectionEstablishedEvent{Connection: c})
		}
	}
}

// RTT returns the current EWMA-smoothed round-trip time estimate.
func (c *Connection) RTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.smoothedRTT
}

// MTU returns the connection's current negotiated MTU.
func (c *Connection) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtuNow
}

// ExpandMTU raises the negotiated MTU after a successful
// ExpandMTUSuccess round trip (spec §4.2's AutoExpandMTU).
func (c *Connection) ExpandMTU(candidate int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if candidate > c.mtuNow {
		c.mtuNow = candidate
		if c.stats != nil {
			c.stats.NegotiatedMTU.WithLabelValues(c.Addr.String()).Set(float64(candidate))
		}
	}
}

// SecureWith installs a shared secret negotiated via Diffie-Hellman key
// exchange and marks the connection secured.
func (c *Connection) SecureWith(sharedSecret []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	enc := NewChaCha20Poly1305Encryption()
	if err := enc.SetKey(sharedSecret); err != nil {
		return err
	}
	c.encryption = enc
	c.secured = true
	return nil
}

// SetInitiator records which side of the handshake this connection
// represents, so the Diffie-Hellman exchange (spec §4.8) knows which
// peer sends DiffieHellmanRequest first.
func (c *Connection) SetInitiator(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isInitiator = v
}

// IsInitiator reports whether this side called Connect (as opposed to
// having received the initial ConnectRequest).
func (c *Connection) IsInitiator() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isInitiator
}

// SetDHKeyPair stashes the ephemeral key pair generated for an
// in-progress Diffie-Hellman exchange, so the response can later be
// matched against it.
func (c *Connection) SetDHKeyPair(kp *X25519KeyPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dhKeyPair = kp
}

// DHKeyPair returns the key pair previously installed by
// SetDHKeyPair, or nil if none is pending.
func (c *Connection) DHKeyPair() *X25519KeyPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dhKeyPair
}

// Reset discards all channel and handshake state, used when a
// connection is fully torn down and its slot recycled.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unreliable.Reset()
	c.reliableUnordered.Reset()
	for i := 0; i < wire.NumChannels; i++ {
		c.unreliableSequenced[i].Reset()
		c.reliableSequenced[i].Reset()
		c.reliableOrdered[i].Reset()
	}
	c.pendingAcks = nil
	if c.encryption != nil {
		c.encryption.Destroy()
	}
	if c.dhKeyPair != nil {
		c.dhKeyPair.Destroy()
	}
}
