package transport

import (
	"crypto/sha256"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"golang.org/x/time/rate"
	channels "gopkg.in/eapache/channels.v1"

	"github.com/wireforge/peerlink/pkg/logging"
	"github.com/wireforge/peerlink/pkg/wire"
)

// sendRequest is one item on the outgoing queue: an application
// payload destined for one connection's channel. Funnelling every
// public Send call through this queue keeps all channel/window state
// mutation on the pump goroutine, matching the cooperative
// single-threaded model spec §4.7 describes, grounded on the
// teacher's single-goroutine-per-concern server loop
// (source/server/server.go's updateLoop/listen split) generalized into
// one pump that owns both directions.
type sendRequest struct {
	addr    *net.UDPAddr
	method  wire.DeliveryMethod
	channel int
	payload []byte
	result  chan wire.EnqueueResult
}

// connectRequest asks the pump to initiate an outbound handshake.
type connectRequest struct {
	addr   *net.UDPAddr
	result chan error
}

// disconnectRequest asks the pump to gracefully tear down a connection.
type disconnectRequest struct {
	addr *net.UDPAddr
}

// Peer is the top-level reliable datagram transport endpoint: one UDP
// socket, a table of Connections, and the cooperative pump loop that
// drives all of them. Grounded on the teacher's Server
// (source/server/server.go), generalized from an SA-MP game server
// bound to one well-known port into a general-purpose peer that can
// both listen and dial out, and from per-packet goroutines into the
// single pump spec.md's architecture section describes.
type Peer struct {
	ID xid.ID

	cfg    PeerConfig
	locked bool

	clock  Clock
	stats  *Stats
	Events *EventManager

	conn *net.UDPConn

	mu          sync.RWMutex
	connections map[string]*Connection

	incomingPool *IncomingPool
	outgoingPool *OutgoingPool

	// connectLimiter throttles unconnected handshake/discovery traffic
	// (spec §4.6's handshake is otherwise reachable by anyone who can
	// reach the socket). Built once in the outer NewPeer closure and
	// shared across every inbound datagram, never per-request — a
	// per-request limiter would hand every caller a fresh full bucket
	// and defeat the limit entirely.
	connectLimiter *rate.Limiter

	outbound    *channels.InfiniteChannel
	connects    *channels.InfiniteChannel
	disconnects *channels.InfiniteChannel
	discovers   *channels.InfiniteChannel
	incoming    chan *IncomingMessage

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	discoveryInfo func() DiscoveryInfo
}

// NewPeer constructs a Peer from cfg, validating it first. The peer is
// not listening until Start is called.
func NewPeer(cfg PeerConfig, reg *prometheus.Registry) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Peer{
		ID:           xid.New(),
		cfg:          cfg,
		clock:        SystemClock,
		stats:        NewStats(reg),
		Events:       NewEventManager(),
		connections:  make(map[string]*Connection),
		incomingPool: NewIncomingPool(cfg.UseMessageRecycling, cfg.RecycledCacheMaxCount),
		outgoingPool: NewOutgoingPool(cfg.UseMessageRecycling, cfg.RecycledCacheMaxCount),
		outbound:     channels.NewInfiniteChannel(),
		connects:     channels.NewInfiniteChannel(),
		disconnects:  channels.NewInfiniteChannel(),
		discovers:    channels.NewInfiniteChannel(),
		incoming:     make(chan *IncomingMessage, 256),
		connectLimiter: rate.NewLimiter(rate.Limit(cfg.ConnectRateLimitPerSecond), cfg.ConnectRateLimitBurst),
	}
	return p, nil
}

// SetClock overrides the peer's time source, for deterministic tests.
// Must be called before Start.
func (p *Peer) SetClock(c Clock) {
	if p.locked {
		return
	}
	p.clock = c
}

// SetDiscoveryInfo installs the callback used to answer Discovery
// probes (spec §4.6).
func (p *Peer) SetDiscoveryInfo(f func() DiscoveryInfo) { p.discoveryInfo = f }

// Start locks the configuration, binds the UDP socket, and launches
// the pump goroutine. Calling Start twice returns ErrPeerAlreadyStarted
// (property 10: starting an already-running peer is a no-op error, not
// a crash).
func (p *Peer) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPeerAlreadyStarted
	}
	p.locked = true

	addr := &net.UDPAddr{Port: int(p.cfg.Port)}
	if p.cfg.LocalAddress != "" {
		addr.IP = net.ParseIP(p.cfg.LocalAddress)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("transport: bind UDP socket: %w", err)
	}
	conn.SetReadBuffer(p.cfg.ReceiveBufferSize)
	conn.SetWriteBuffer(p.cfg.SendBufferSize)

	p.conn = conn
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	logging.Info("transport: peer %s listening on %s", p.ID, conn.LocalAddr())

	p.wg.Add(1)
	go p.pump()
	return nil
}

// Shutdown stops the pump and closes the socket. It is idempotent:
// calling it on an already-stopped peer returns ErrPeerNotRunning
// rather than panicking (property 10).
func (p *Peer) Shutdown() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPeerNotRunning
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	return p.conn.Close()
}

// Connect initiates an outbound handshake to addr, blocking the caller
// goroutine until the pump has processed the request and sent the
// first Connect request (not until the handshake completes — watch
// StatusChanged events or poll Connection.State for that).
func (p *Peer) Connect(addr *net.UDPAddr) error {
	if !p.running {
		return ErrPeerNotRunning
	}
	result := make(chan error, 1)
	p.connects.In() <- connectRequest{addr: addr, result: result}
	return <-result
}

// Disconnect asks the pump to gracefully end the connection to addr
// (spec §4.3): the remote side is notified and any in-flight reliable
// traffic gets DisconnectLinger to drain before the connection is torn
// down. A no-op if there is no such connection.
func (p *Peer) Disconnect(addr *net.UDPAddr) {
	if !p.running {
		return
	}
	p.disconnects.In() <- disconnectRequest{addr: addr}
}

// Discover broadcasts an unconnected Discovery probe to
// cfg.BroadcastAddress (spec §4.6). Any responder's DiscoveryResponse
// arrives as an IncomingMessage of type wire.MsgDiscoveryResponse,
// decodable with DecodeDiscoveryInfo, and also raises
// EventManager.OnDiscoveryResponse.
func (p *Peer) Discover() error {
	if !p.running {
		return ErrPeerNotRunning
	}
	if p.cfg.BroadcastAddress == "" {
		return fmt.Errorf("transport: BroadcastAddress is not configured")
	}
	addr, err := net.ResolveUDPAddr("udp", p.cfg.BroadcastAddress)
	if err != nil {
		return fmt.Errorf("transport: resolve broadcast address: %w", err)
	}
	p.discovers.In() <- addr
	return nil
}

// Send queues payload for delivery to addr over the given delivery
// method and channel index, returning the same EnqueueResult the
// channel itself would have produced had the call run inline.
func (p *Peer) Send(addr *net.UDPAddr, method wire.DeliveryMethod, channel int, payload []byte) wire.EnqueueResult {
	if !p.running {
		return wire.EnqueueFailed
	}
	result := make(chan wire.EnqueueResult, 1)
	p.outbound.In() <- sendRequest{addr: addr, method: method, channel: channel, payload: payload, result: result}
	return <-result
}

// Receive blocks until an application message arrives or ctx-like
// stopCh fires; callers typically run this in their own loop. It
// returns nil once the peer has shut down and drained its queue.
func (p *Peer) Receive() *IncomingMessage {
	return <-p.incoming
}

// ReleaseMessage returns an IncomingMessage to the recycle pool once
// the application is done with it.
func (p *Peer) ReleaseMessage(m *IncomingMessage) { p.incomingPool.Put(m) }

// AcquireOutgoingMessage returns a pooled OutgoingMessage the caller
// can fill (via its Payload slice) before handing it to SendMessage,
// avoiding an allocation per send when UseMessageRecycling is enabled.
func (p *Peer) AcquireOutgoingMessage() *OutgoingMessage { return p.outgoingPool.Get() }

// SendMessage is the pooled counterpart of Send: it submits m.Payload
// and returns m to the recycle pool once the pump has consumed it.
func (p *Peer) SendMessage(addr *net.UDPAddr, method wire.DeliveryMethod, channel int, m *OutgoingMessage) wire.EnqueueResult {
	result := p.Send(addr, method, channel, m.Payload)
	p.outgoingPool.Put(m)
	return result
}

// Connections returns a snapshot of currently known connections.
func (p *Peer) Connections() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		out = append(out, c)
	}
	return out
}

const pumpReadTimeout = 50 * time.Millisecond

// pump is the single cooperative loop spec §4.7 describes: drain
// unconnected requests, flush per-connection sends, run timers, do a
// bounded-wait socket receive, then repeat.
func (p *Peer) pump() {
	defer p.wg.Done()
	buf := make([]byte, 65536)

	for {
		select {
		case <-p.stopCh:
			close(p.incoming)
			return
		default:
		}

		p.drainConnects()
		p.drainDisconnects()
		p.drainDiscovers()
		p.drainOutbound()

		now := p.clock.Now()
		p.tickConnections(now)

		p.conn.SetReadDeadline(now.Add(pumpReadTimeout))
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			continue // deadline expiry is the common, expected case
		}
		data := append([]byte(nil), buf[:n]...)
		if p.stats != nil {
			p.stats.DatagramsReceived.Inc()
			p.stats.BytesReceived.Add(float64(n))
		}
		p.handleDatagram(addr, data, p.clock.Now())
	}
}

func (p *Peer) drainConnects() {
	out := p.connects.Out()
	for {
		select {
		case v, ok := <-out:
			if !ok {
				return
			}
			req := v.(connectRequest)
			req.result <- p.beginConnect(req.addr)
		default:
			return
		}
	}
}

func (p *Peer) drainDisconnects() {
	out := p.disconnects.Out()
	now := p.clock.Now()
	for {
		select {
		case v, ok := <-out:
			if !ok {
				return
			}
			req := v.(disconnectRequest)
			if c := p.lookup(req.addr); c != nil {
				c.Disconnect(now)
			}
		default:
			return
		}
	}
}

func (p *Peer) drainDiscovers() {
	out := p.discovers.Out()
	for {
		select {
		case v, ok := <-out:
			if !ok {
				return
			}
			addr := v.(*net.UDPAddr)
			buf := wire.NewEmptyMessageBuffer()
			f := &wire.Frame{Type: wire.MsgDiscovery}
			f.Encode(buf)
			p.conn.WriteToUDP(buf.Bytes(), addr)
		default:
			return
		}
	}
}

func (p *Peer) drainOutbound() {
	out := p.outbound.Out()
	for {
		select {
		case v, ok := <-out:
			if !ok {
				return
			}
			req := v.(sendRequest)
			conn := p.lookup(req.addr)
			if conn == nil {
				req.result <- wire.EnqueueFailed
				continue
			}
			result, err := conn.Send(req.method, req.channel, req.payload)
			if err != nil {
				result = wire.EnqueueFailed
			}
			req.result <- result
		default:
			return
		}
	}
}

func (p *Peer) tickConnections(now time.Time) {
	for _, c := range p.Connections() {
		if c.TimedOut(now) {
			c.SetState(StateDisconnected, ReasonTimedOut)
			p.removeConnection(c.Addr)
			continue
		}
		c.Tick(now)
		if c.State() == StateDisconnected {
			p.removeConnection(c.Addr)
		}
	}
}

func (p *Peer) lookup(addr *net.UDPAddr) *Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connections[addr.String()]
}

func (p *Peer) removeConnection(addr *net.UDPAddr) {
	p.mu.Lock()
	c := p.connections[addr.String()]
	delete(p.connections, addr.String())
	p.mu.Unlock()
	if c != nil {
		c.Reset()
	}
}

func (p *Peer) getOrCreateConnection(addr *net.UDPAddr) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := addr.String()
	if c, ok := p.connections[key]; ok {
		return c
	}
	c := NewConnection(addr, &p.cfg, p.clock, p.stats, p.Events, p.writeDatagram, p.deliverIncoming, p.incomingPool)
	p.connections[key] = c
	return c
}

func (p *Peer) writeDatagram(addr *net.UDPAddr, data []byte) {
	p.conn.WriteToUDP(data, addr)
}

func (p *Peer) deliverIncoming(msg *IncomingMessage) {
	select {
	case p.incoming <- msg:
	case <-p.stopCh:
	}
}

func (p *Peer) beginConnect(addr *net.UDPAddr) error {
	p.mu.RLock()
	count := len(p.connections)
	p.mu.RUnlock()
	if count >= p.cfg.MaximumConnections {
		return ErrHandshakeRefused
	}
	c := p.getOrCreateConnection(addr)
	c.SetInitiator(true)
	c.SetState(StateInitiatedConnect, "")
	c.StartHandshake(p.clock.Now())

	buf := wire.NewEmptyMessageBuffer()
	buf.WriteString(p.cfg.AppIdentifier)
	c.EnqueueControlFrame(&wire.Frame{Type: wire.MsgConnectRequest, Payload: buf.Bytes()})
	c.FlushOutgoing()
	return nil
}

func (p *Peer) handleDatagram(addr *net.UDPAddr, data []byte, now time.Time) {
	frames, err := wire.DecodeDatagram(data)
	if err != nil {
		logging.Warn("transport: malformed datagram from %s: %v", addr, err)
		return
	}
	for _, f := range frames {
		p.handleFrame(addr, f, now)
	}
}

func (p *Peer) handleFrame(addr *net.UDPAddr, f *wire.Frame, now time.Time) {
	switch f.Type {
	case wire.MsgConnectRequest:
		if !p.connectLimiter.Allow() {
			return
		}
		p.handleConnectRequest(addr, f)
	case wire.MsgConnectResponse:
		p.handleConnectResponse(addr, f, now)
	case wire.MsgConnectionEstablished:
		if c := p.lookup(addr); c != nil {
			c.SetState(StateConnected, "")
			p.maybeStartEncryption(c)
		}
	case wire.MsgConnectionApprovalDenied:
		if c := p.lookup(addr); c != nil {
			c.SetState(StateDisconnected, ReasonApprovalDenied)
			p.removeConnection(addr)
		}
	case wire.MsgDisconnect:
		if c := p.lookup(addr); c != nil {
			c.SetState(StateDisconnected, ReasonGraceful)
			p.removeConnection(addr)
		}
	case wire.MsgPing:
		p.handlePing(addr, f)
	case wire.MsgPong:
		if c := p.lookup(addr); c != nil {
			c.HandlePong(now)
		}
	case wire.MsgDiscovery:
		if !p.connectLimiter.Allow() {
			return
		}
		p.handleDiscovery(addr)
	case wire.MsgDiscoveryResponse:
		p.handleDiscoveryResponse(addr, f)
	case wire.MsgDiffieHellmanRequest:
		p.handleDHRequest(addr, f)
	case wire.MsgDiffieHellmanResponse:
		p.handleDHResponse(addr, f)
	case wire.MsgExpandMTURequest:
		p.handleExpandMTURequest(addr, f)
	case wire.MsgExpandMTUSuccess:
		if c := p.lookup(addr); c != nil {
			if len(f.Payload) >= 2 {
				candidate := int(f.Payload[0]) | int(f.Payload[1])<<8
				c.ExpandMTU(candidate)
			}
		}
	default:
		if c := p.lookup(addr); c != nil {
			c.HandleFrame(f, now)
		} else {
			logging.Warn("transport: frame type %d from unknown connection %s", f.Type, addr)
		}
	}
}

func (p *Peer) handleConnectRequest(addr *net.UDPAddr, f *wire.Frame) {
	if !p.cfg.AcceptIncomingConnections {
		return
	}
	buf := wire.NewMessageBuffer(f.Payload)
	appID, err := buf.ReadString()
	if err != nil || appID != p.cfg.AppIdentifier {
		return
	}
	c := p.getOrCreateConnection(addr)
	c.SetState(StateReceivedInitiation, "")

	approve := func() {
		c.SetState(StateRespondedConnect, "")
		resp := wire.NewEmptyMessageBuffer()
		c.EnqueueControlFrame(&wire.Frame{Type: wire.MsgConnectResponse, Payload: resp.Bytes()})
		c.FlushOutgoing()
		c.SetState(StateConnected, "")
		est := wire.NewEmptyMessageBuffer()
		c.EnqueueControlFrame(&wire.Frame{Type: wire.MsgConnectionEstablished, Payload: est.Bytes()})
		c.FlushOutgoing()
		p.maybeStartEncryption(c)
	}
	deny := func(reason string) {
		c.SetState(StateDisconnected, ReasonApprovalDenied)
		den := wire.NewEmptyMessageBuffer()
		den.WriteString(reason)
		c.EnqueueControlFrame(&wire.Frame{Type: wire.MsgConnectionApprovalDenied, Payload: den.Bytes()})
		c.FlushOutgoing()
		p.removeConnection(addr)
	}

	if p.Events != nil {
		hasApprovalHandler := false
		p.Events.mu.RLock()
		hasApprovalHandler = len(p.Events.onApproval) > 0
		p.Events.mu.RUnlock()
		if hasApprovalHandler {
			p.Events.triggerApproval(ConnectionApprovalEvent{Connection: c, Approve: approve, Deny: deny})
			return
		}
	}
	approve()
}

func (p *Peer) handleConnectResponse(addr *net.UDPAddr, f *wire.Frame, now time.Time) {
	c := p.lookup(addr)
	if c == nil {
		return
	}
	c.SetState(StateRespondedConnect, "")
}

func (p *Peer) handlePing(addr *net.UDPAddr, f *wire.Frame) {
	c := p.lookup(addr)
	if c == nil {
		return
	}
	c.EnqueueControlFrame(&wire.Frame{Type: wire.MsgPong, Payload: f.Payload})
	c.FlushOutgoing()
}

func (p *Peer) handleDiscovery(addr *net.UDPAddr) {
	if p.discoveryInfo == nil {
		return
	}
	info := p.discoveryInfo()
	payload, err := EncodeDiscoveryInfo(info)
	if err != nil {
		return
	}
	buf := wire.NewEmptyMessageBuffer()
	f := &wire.Frame{Type: wire.MsgDiscoveryResponse, Payload: payload}
	f.Encode(buf)
	p.conn.WriteToUDP(buf.Bytes(), addr)
}

// maybeStartEncryption kicks off spec §4.8's optional encryption once a
// connection reaches Connected: a fixed key is applied immediately, a
// negotiated key is requested by whichever side initiated the
// handshake (the other side replies once the request arrives).
func (p *Peer) maybeStartEncryption(c *Connection) {
	if !p.cfg.EnableEncryption {
		return
	}
	if !p.cfg.NegotiateEncryption {
		key := sha256.Sum256([]byte(p.cfg.EncryptionKey))
		if err := c.SecureWith(key[:]); err != nil {
			logging.Warn("transport: fixed-key encryption setup failed for %s: %v", c.Addr, err)
			return
		}
		c.SetState(StateConnectedSecured, "")
		return
	}
	if !c.IsInitiator() {
		return
	}
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		logging.Warn("transport: generate DH key pair for %s: %v", c.Addr, err)
		return
	}
	c.SetDHKeyPair(kp)
	buf := wire.NewEmptyMessageBuffer()
	buf.WriteAlignedBytes(kp.Public[:])
	c.EnqueueControlFrame(&wire.Frame{Type: wire.MsgDiffieHellmanRequest, Payload: buf.Bytes()})
	c.FlushOutgoing()
}

func (p *Peer) handleDHRequest(addr *net.UDPAddr, f *wire.Frame) {
	c := p.lookup(addr)
	if c == nil || !p.cfg.EnableEncryption || !p.cfg.NegotiateEncryption {
		return
	}
	remotePub, err := readPublicKey(f.Payload)
	if err != nil {
		logging.Warn("transport: malformed DiffieHellmanRequest from %s: %v", addr, err)
		return
	}
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		logging.Warn("transport: generate DH key pair for %s: %v", addr, err)
		return
	}
	secret, err := kp.SharedSecret(remotePub)
	if err != nil {
		logging.Warn("transport: compute DH shared secret for %s: %v", addr, err)
		return
	}
	if err := c.SecureWith(secret); err != nil {
		logging.Warn("transport: install negotiated key for %s: %v", addr, err)
		return
	}
	buf := wire.NewEmptyMessageBuffer()
	buf.WriteAlignedBytes(kp.Public[:])
	c.EnqueueControlFrame(&wire.Frame{Type: wire.MsgDiffieHellmanResponse, Payload: buf.Bytes()})
	c.FlushOutgoing()
	c.SetState(StateConnectedSecured, "")
}

func (p *Peer) handleDHResponse(addr *net.UDPAddr, f *wire.Frame) {
	c := p.lookup(addr)
	if c == nil {
		return
	}
	kp := c.DHKeyPair()
	if kp == nil {
		return
	}
	remotePub, err := readPublicKey(f.Payload)
	if err != nil {
		logging.Warn("transport: malformed DiffieHellmanResponse from %s: %v", addr, err)
		return
	}
	secret, err := kp.SharedSecret(remotePub)
	if err != nil {
		logging.Warn("transport: compute DH shared secret for %s: %v", addr, err)
		return
	}
	if err := c.SecureWith(secret); err != nil {
		logging.Warn("transport: install negotiated key for %s: %v", addr, err)
		return
	}
	c.SetState(StateConnectedSecured, "")
}

func readPublicKey(payload []byte) ([32]byte, error) {
	var pub [32]byte
	buf := wire.NewMessageBuffer(payload)
	raw, err := buf.ReadAlignedBytes(32)
	if err != nil {
		return pub, err
	}
	copy(pub[:], raw)
	return pub, nil
}

func (p *Peer) handleDiscoveryResponse(addr *net.UDPAddr, f *wire.Frame) {
	msg := p.incomingPool.Get()
	msg.Type = wire.MsgDiscoveryResponse
	msg.Payload = f.Payload
	msg.SenderAddr = addr
	p.deliverIncoming(msg)

	if p.Events == nil {
		return
	}
	if info, err := DecodeDiscoveryInfo(f.Payload); err == nil {
		p.Events.triggerDiscovery(DiscoveryResponseEvent{Info: info})
	}
}

func (p *Peer) handleExpandMTURequest(addr *net.UDPAddr, f *wire.Frame) {
	c := p.lookup(addr)
	if c == nil || !p.cfg.AutoExpandMTU {
		return
	}
	candidate := len(f.Payload)
	resp := []byte{byte(candidate), byte(candidate >> 8)}
	c.EnqueueControlFrame(&wire.Frame{Type: wire.MsgExpandMTUSuccess, Payload: resp})
	c.FlushOutgoing()
}
