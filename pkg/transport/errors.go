package transport

import "errors"

// Sentinel errors for the behavioral error kinds of spec §7. None of
// these are fatal to the peer; each names an action the caller (or the
// pump) takes upon encountering it.
var (
	// ErrMalformedDatagram means the payload length header was
	// inconsistent with the bytes available, or the message type was
	// unknown. Action: drop the datagram.
	ErrMalformedDatagram = errors.New("transport: malformed datagram")

	// ErrAppIdentifierMismatch means a handshake carried a different
	// AppIdentifier than this peer's configuration. Action: drop.
	ErrAppIdentifierMismatch = errors.New("transport: application identifier mismatch")

	// ErrSequenceTooEarly means a reliable-ordered receiver observed a
	// sequence number further ahead of its window than the sender
	// should ever produce. Action: drop; not fatal to the connection.
	ErrSequenceTooEarly = errors.New("transport: sequence number too far ahead of window")

	// ErrHandshakeRefused means the remote peer declined a connection
	// attempt (approval denied, or maximum handshake attempts
	// exhausted).
	ErrHandshakeRefused = errors.New("transport: handshake refused")

	// ErrConnectionTimedOut means no traffic (including pings) was
	// observed within ConnectionTimeout.
	ErrConnectionTimedOut = errors.New("transport: connection timed out")

	// ErrEncryptionFailure means an incoming payload failed to
	// decrypt.
	ErrEncryptionFailure = errors.New("transport: encryption failure")

	// ErrPeerNotRunning means an operation was attempted on a peer
	// that has not been started or has already been shut down.
	ErrPeerNotRunning = errors.New("transport: peer is not running")

	// ErrPeerAlreadyStarted means Start was called more than once.
	ErrPeerAlreadyStarted = errors.New("transport: peer already started")

	// ErrConfigLocked means a configuration mutation was attempted
	// after the peer started; configuration is immutable once locked.
	ErrConfigLocked = errors.New("transport: configuration is locked after peer start")
)

// DisconnectReason is a stable, human-readable reason surfaced to the
// application in a StatusChangedEvent whenever a connection leaves the
// Connected/ConnectedSecured states. Status changes are reported only
// through EventManager; no incoming message is queued for them.
type DisconnectReason string

const (
	ReasonGraceful         DisconnectReason = "graceful disconnect"
	ReasonTimedOut         DisconnectReason = "timed out"
	ReasonHandshakeRefused DisconnectReason = "handshake refused"
	ReasonApprovalDenied   DisconnectReason = "connection approval denied"
	ReasonShutdown         DisconnectReason = "peer shutdown"
	ReasonEncryptionFailed DisconnectReason = "encryption re-key required"
	ReasonWireError        DisconnectReason = "unrecoverable wire error"
)
