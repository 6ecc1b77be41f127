package transport

import "sync"

// EventType enumerates the application-facing callbacks a Peer can
// raise. Grounded on core/events/events.go's EventType/EventHandler
// pattern, generalized from SA-MP gameplay events (PlayerConnect,
// VehicleSpawn, ...) to the connection lifecycle events spec.md §4.3
// and §7 describe.
type EventType int

const (
	EventConnectionApproval EventType = iota
	EventConnectionEstablished
	EventStatusChanged
	EventDiscoveryResponse
)

// ConnectionApprovalEvent is raised when a Connect handshake arrives
// and approval gating is enabled (spec §4.3: None -> ReceivedInitiation).
// The handler must call Approve or Deny exactly once.
type ConnectionApprovalEvent struct {
	Connection *Connection
	Approve    func()
	Deny       func(reason string)
}

// ConnectionEstablishedEvent is raised when a connection reaches
// Connected.
type ConnectionEstablishedEvent struct {
	Connection *Connection
}

// StatusChangedEvent reports a new connection status and, for
// disconnects, a reason. It is the only channel for status changes:
// no StatusChanged incoming message is queued.
type StatusChangedEvent struct {
	Connection *Connection
	Status     ConnectionState
	Reason     DisconnectReason
}

// DiscoveryResponseEvent is raised when a DiscoveryResponse arrives
// for an outstanding Discover call.
type DiscoveryResponseEvent struct {
	Info DiscoveryInfo
}

// EventHandler functions are invoked synchronously on the pump
// goroutine; handlers must not block or call back into the Peer in a
// way that would deadlock (e.g. must not synchronously wait on a
// channel the pump itself drains).
type ConnectionApprovalHandler func(ConnectionApprovalEvent)
type ConnectionEstablishedHandler func(ConnectionEstablishedEvent)
type StatusChangedHandler func(StatusChangedEvent)
type DiscoveryResponseHandler func(DiscoveryResponseEvent)

// EventManager dispatches typed connection-lifecycle events to
// registered handlers, grounded on core/events/events.go's
// Register/Trigger EventManager, generalized from a single
// interface{}-typed handler signature to one strongly-typed handler
// list per event.
type EventManager struct {
	mu sync.RWMutex

	onApproval    []ConnectionApprovalHandler
	onEstablished []ConnectionEstablishedHandler
	onStatus      []StatusChangedHandler
	onDiscovery   []DiscoveryResponseHandler
}

// NewEventManager returns an empty EventManager.
func NewEventManager() *EventManager { return &EventManager{} }

func (em *EventManager) OnConnectionApproval(h ConnectionApprovalHandler) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.onApproval = append(em.onApproval, h)
}

func (em *EventManager) OnConnectionEstablished(h ConnectionEstablishedHandler) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.onEstablished = append(em.onEstablished, h)
}

func (em *EventManager) OnStatusChanged(h StatusChangedHandler) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.onStatus = append(em.onStatus, h)
}

func (em *EventManager) OnDiscoveryResponse(h DiscoveryResponseHandler) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.onDiscovery = append(em.onDiscovery, h)
}

func (em *EventManager) triggerApproval(e ConnectionApprovalEvent) {
	em.mu.RLock()
	handlers := append([]ConnectionApprovalHandler(nil), em.onApproval...)
	em.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (em *EventManager) triggerEstablished(e ConnectionEstablishedEvent) {
	em.mu.RLock()
	handlers := append([]ConnectionEstablishedHandler(nil), em.onEstablished...)
	em.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (em *EventManager) triggerStatus(e StatusChangedEvent) {
	em.mu.RLock()
	handlers := append([]StatusChangedHandler(nil), em.onStatus...)
	em.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

func (em *EventManager) triggerDiscovery(e DiscoveryResponseEvent) {
	em.mu.RLock()
	handlers := append([]DiscoveryResponseHandler(nil), em.onDiscovery...)
	em.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}
