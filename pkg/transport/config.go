package transport

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// UnreliableSizeBehavior selects the policy applied when an
// application submits an Unreliable payload whose framed size exceeds
// the connection's negotiated MTU (spec §4.5).
type UnreliableSizeBehavior uint8

const (
	// IgnoreMTU emits the oversize unreliable message in a single
	// datagram regardless of MTU. Default.
	IgnoreMTU UnreliableSizeBehavior = iota
	// NormalFragmentation fragments the oversize unreliable message
	// using the same scheme as reliable messages; missing chunks are
	// never reclaimed since there is no ARQ backing an unreliable
	// channel.
	NormalFragmentation
	// DropAboveMTU silently drops the oversize message with a warning.
	DropAboveMTU
)

func (b UnreliableSizeBehavior) String() string {
	switch b {
	case IgnoreMTU:
		return "IgnoreMTU"
	case NormalFragmentation:
		return "NormalFragmentation"
	case DropAboveMTU:
		return "DropAboveMTU"
	default:
		return "Unknown"
	}
}

// CompressionType selects the compression container used when
// EnableCompression is set (spec §4.9). The codec internals are an
// external collaborator per spec §1; see compression.go.
type CompressionType uint8

const (
	CompressionZlib CompressionType = iota
	CompressionLZMA
)

// PeerConfig holds the immutable-after-start configuration of a Peer,
// corresponding to spec §6's "Recognized configuration options".
// Grounded on the teacher's core.Config (core/main.go loadConfig),
// generalized from an SA-MP game-server config into the transport
// options spec.md names, and extended to load from a TOML file via
// github.com/BurntSushi/toml the way katzenpost loads its peer
// configuration.
type PeerConfig struct {
	AppIdentifier    string `toml:"app_identifier"`
	Port             uint16 `toml:"port"`
	LocalAddress     string `toml:"local_address"`
	BroadcastAddress string `toml:"broadcast_address"`

	MaximumConnections      int    `toml:"maximum_connections"`
	MaximumTransmissionUnit uint16 `toml:"maximum_transmission_unit"`

	AutoExpandMTU         bool          `toml:"auto_expand_mtu"`
	ExpandMTUFrequency    time.Duration `toml:"expand_mtu_frequency"`
	ExpandMTUFailAttempts int           `toml:"expand_mtu_fail_attempts"`

	PingInterval             time.Duration `toml:"ping_interval"`
	ConnectionTimeout        time.Duration `toml:"connection_timeout"`
	ResendHandshakeInterval  time.Duration `toml:"resend_handshake_interval"`
	MaximumHandshakeAttempts int           `toml:"maximum_handshake_attempts"`
	ConnectTimeout           time.Duration `toml:"connect_timeout"`
	DisconnectLinger         time.Duration `toml:"disconnect_linger"`

	UseMessageRecycling   bool `toml:"use_message_recycling"`
	RecycledCacheMaxCount int  `toml:"recycled_cache_max_count"`

	AutoFlushSendQueue              bool `toml:"auto_flush_send_queue"`
	SuppressUnreliableUnorderedAcks bool `toml:"suppress_unreliable_unordered_acks"`

	UnreliableSizeBehavior UnreliableSizeBehavior `toml:"unreliable_size_behavior"`

	EnableCompression bool            `toml:"enable_compression"`
	CompressionType   CompressionType `toml:"compression_type"`
	CompressionThreshold int          `toml:"compression_threshold"`

	EnableEncryption          bool   `toml:"enable_encryption"`
	NegotiateEncryption       bool   `toml:"negotiate_encryption"`
	EncryptionKey             string `toml:"encryption_key"`
	AcceptIncomingConnections bool   `toml:"accept_incoming_connections"`

	ReceiveBufferSize int `toml:"receive_buffer_size"`
	SendBufferSize    int `toml:"send_buffer_size"`
	WindowSize        int `toml:"window_size"`

	Broadcast bool `toml:"broadcast"`

	ConnectRateLimitPerSecond float64 `toml:"connect_rate_limit_per_second"`
	ConnectRateLimitBurst     int     `toml:"connect_rate_limit_burst"`
}

// DefaultConfig returns a PeerConfig populated with spec.md §6's
// defaults. AppIdentifier must still be set by the caller.
func DefaultConfig() PeerConfig {
	return PeerConfig{
		MaximumTransmissionUnit:  DefaultMTU,
		AutoExpandMTU:            false,
		ExpandMTUFrequency:       2 * time.Second,
		ExpandMTUFailAttempts:    5,
		PingInterval:             25 * time.Second,
		ConnectionTimeout:        45 * time.Second,
		ResendHandshakeInterval:  3 * time.Second,
		MaximumHandshakeAttempts: 5,
		ConnectTimeout:           30 * time.Second,
		DisconnectLinger:         5 * time.Second,
		UseMessageRecycling:      true,
		RecycledCacheMaxCount:    4096,
		AutoFlushSendQueue:       true,
		UnreliableSizeBehavior:   IgnoreMTU,
		CompressionType:          CompressionZlib,
		CompressionThreshold:     256,
		AcceptIncomingConnections: true,
		ReceiveBufferSize:        131071,
		SendBufferSize:           131071,
		WindowSize:               64,
		MaximumConnections:       64,
		ConnectRateLimitPerSecond: 20,
		ConnectRateLimitBurst:     10,
	}
}

// LoadConfigFile reads a TOML configuration file into a PeerConfig
// seeded with DefaultConfig, mirroring the teacher's core/main.go
// loadConfig pattern generalized from hardcoded defaults to a real
// file format.
func LoadConfigFile(path string) (PeerConfig, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return PeerConfig{}, fmt.Errorf("transport: load config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return PeerConfig{}, err
	}
	return cfg, nil
}

// Validate checks the invariants spec.md §6 requires of a
// configuration before it is locked at peer start.
func (c *PeerConfig) Validate() error {
	if c.AppIdentifier == "" {
		return fmt.Errorf("transport: AppIdentifier is required")
	}
	if c.ConnectionTimeout < c.PingInterval {
		return fmt.Errorf("transport: ConnectionTimeout (%s) must be >= PingInterval (%s)", c.ConnectionTimeout, c.PingInterval)
	}
	if c.MaximumTransmissionUnit == 0 {
		return fmt.Errorf("transport: MaximumTransmissionUnit must be nonzero")
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("transport: WindowSize must be positive")
	}
	return nil
}

// DefaultMTU is the connection's negotiated MTU before any expansion
// (spec §3).
const DefaultMTU = 1408
