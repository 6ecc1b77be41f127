package transport

import (
	"net"
	"sync"

	"github.com/wireforge/peerlink/pkg/wire"
)

// OutgoingMessage owns a growable payload buffer together with the
// bookkeeping a sender channel needs to frame, possibly fragment, and
// possibly resend it. The same payload may be referenced by both a
// resend table slot and the pump's in-flight datagram assembly at
// once, hence the explicit recycle refcount rather than freeing on
// first use.
type OutgoingMessage struct {
	Type    wire.MessageType
	Payload []byte // byte-aligned application payload, pre-fragmentation

	// Fragment descriptor; GroupID is 0 when the message is not
	// fragmented (spec §4.4.6).
	FragmentGroupID       uint64
	FragmentTotalBits      uint64
	FragmentChunkByteSize uint64
	FragmentChunkIndex    uint64
	IsFragment            bool

	Sent bool

	refcount int
	mu       sync.Mutex
}

// Retain increments the recycle refcount; call once per collaborator
// that holds a reference beyond the call that created the message
// (e.g. the resend table, in addition to the original send).
func (m *OutgoingMessage) Retain() {
	m.mu.Lock()
	m.refcount++
	m.mu.Unlock()
}

// Release decrements the recycle refcount and reports whether it
// reached zero, at which point the caller should return m to the
// owning recycle pool.
func (m *OutgoingMessage) Release() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refcount--
	return m.refcount <= 0
}

func (m *OutgoingMessage) reset() {
	m.Type = 0
	m.Payload = m.Payload[:0]
	m.FragmentGroupID = 0
	m.FragmentTotalBits = 0
	m.FragmentChunkByteSize = 0
	m.FragmentChunkIndex = 0
	m.IsFragment = false
	m.Sent = false
	m.refcount = 0
}

// IncomingMessage owns the payload and sender metadata for a message
// handed to the application inbox: a payload a connection's receiver
// channel has released, or an unconnected DiscoveryResponse.
type IncomingMessage struct {
	Type           wire.MessageType
	SequenceNumber uint16
	Payload        []byte
	SenderAddr     *net.UDPAddr
	SenderConn     *Connection // nil for unconnected library messages

	readCursor int
}

// Read returns the next n unread bytes of the payload and advances
// the read cursor, or false if fewer than n bytes remain.
func (m *IncomingMessage) Read(n int) ([]byte, bool) {
	if m.readCursor+n > len(m.Payload) {
		return nil, false
	}
	b := m.Payload[m.readCursor : m.readCursor+n]
	m.readCursor += n
	return b, true
}

// Remaining returns the number of unread payload bytes.
func (m *IncomingMessage) Remaining() int { return len(m.Payload) - m.readCursor }

func (m *IncomingMessage) reset() {
	m.Type = 0
	m.SequenceNumber = 0
	m.Payload = nil
	m.SenderAddr = nil
	m.SenderConn = nil
	m.readCursor = 0
}

// OutgoingPool is a thread-safe LIFO free list of *OutgoingMessage,
// grounded on spec §5's "Recycle pools... are thread-safe LIFO
// structures".
type OutgoingPool struct {
	mu       sync.Mutex
	free     []*OutgoingMessage
	maxCount int
	enabled  bool
}

// NewOutgoingPool constructs a pool. When enabled is false, Get always
// allocates and Put always discards (equivalent to UseMessageRecycling
// = false).
func NewOutgoingPool(enabled bool, maxCount int) *OutgoingPool {
	return &OutgoingPool{maxCount: maxCount, enabled: enabled}
}

func (p *OutgoingPool) Get() *OutgoingMessage {
	if p.enabled {
		p.mu.Lock()
		if n := len(p.free); n > 0 {
			m := p.free[n-1]
			p.free = p.free[:n-1]
			p.mu.Unlock()
			return m
		}
		p.mu.Unlock()
	}
	return &OutgoingMessage{refcount: 1, Payload: make([]byte, 0, 256)}
}

func (p *OutgoingPool) Put(m *OutgoingMessage) {
	if !p.enabled {
		return
	}
	m.reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.maxCount {
		return
	}
	p.free = append(p.free, m)
}

// IncomingPool is the incoming-message counterpart of OutgoingPool.
type IncomingPool struct {
	mu       sync.Mutex
	free     []*IncomingMessage
	maxCount int
	enabled  bool
}

func NewIncomingPool(enabled bool, maxCount int) *IncomingPool {
	return &IncomingPool{maxCount: maxCount, enabled: enabled}
}

func (p *IncomingPool) Get() *IncomingMessage {
	if p.enabled {
		p.mu.Lock()
		if n := len(p.free); n > 0 {
			m := p.free[n-1]
			p.free = p.free[:n-1]
			p.mu.Unlock()
			return m
		}
		p.mu.Unlock()
	}
	return &IncomingMessage{}
}

// Put returns m to the pool after the application has consumed it, or
// upon peer shutdown.
func (p *IncomingPool) Put(m *IncomingMessage) {
	if !p.enabled {
		return
	}
	m.reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.maxCount {
		return
	}
	p.free = append(p.free, m)
}
