package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// DiscoveryInfo is the application-supplied payload answered on an
// unconnected Discovery probe (spec §4.6), encoded with CBOR rather
// than a hand-rolled MessageBuffer schema: discovery responses are
// small, infrequent, and read by tooling outside this peer (server
// browsers, health checks), so a self-describing standard format is
// preferable to a bespoke bit layout. Grounded on katzenpost's use of
// github.com/fxamacker/cbor/v2 for its wire envelopes.
type DiscoveryInfo struct {
	ClientCount int               `cbor:"client_count"`
	MaxClients  int               `cbor:"max_clients"`
	Hostname    string            `cbor:"hostname"`
	GameMode    string            `cbor:"game_mode"`
	Extra       map[string]string `cbor:"extra,omitempty"`
}

// EncodeDiscoveryInfo serializes info for transmission in a
// DiscoveryResponse message.
func EncodeDiscoveryInfo(info DiscoveryInfo) ([]byte, error) {
	b, err := cbor.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("transport: encode discovery info: %w", err)
	}
	return b, nil
}

// DecodeDiscoveryInfo parses a DiscoveryResponse payload.
func DecodeDiscoveryInfo(data []byte) (DiscoveryInfo, error) {
	var info DiscoveryInfo
	if err := cbor.Unmarshal(data, &info); err != nil {
		return DiscoveryInfo{}, fmt.Errorf("transport: decode discovery info: %w", err)
	}
	return info, nil
}
