package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats collects the Prometheus counters and gauges a Peer exposes.
// Grounded on runZeroInc-conniver/sockstats, which register socket
// counters against a caller-supplied *prometheus.Registry rather than
// the global default registry.
type Stats struct {
	reg *prometheus.Registry

	DatagramsSent       prometheus.Counter
	DatagramsReceived   prometheus.Counter
	BytesSent           prometheus.Counter
	BytesReceived       prometheus.Counter
	ReliableResends     prometheus.Counter
	AcksSent            prometheus.Counter
	AcksReceived        prometheus.Counter
	FragmentsReassembled prometheus.Counter
	ConnectionsEstablished prometheus.Counter
	ConnectionsClosed   *prometheus.CounterVec
	SmoothedRTTSeconds  *prometheus.GaugeVec
	NegotiatedMTU       *prometheus.GaugeVec
}

// NewStats constructs and registers peer metrics against reg. If reg
// is nil, a private registry is created (so multiple peers in the same
// process never collide on metric registration).
func NewStats(reg *prometheus.Registry) *Stats {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Stats{
		reg: reg,
		DatagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_datagrams_sent_total", Help: "Datagrams written to the socket.",
		}),
		DatagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_datagrams_received_total", Help: "Datagrams read from the socket.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_bytes_sent_total", Help: "Bytes written to the socket.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_bytes_received_total", Help: "Bytes read from the socket.",
		}),
		ReliableResends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_reliable_resends_total", Help: "Reliable messages retransmitted.",
		}),
		AcksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_acks_sent_total", Help: "Acknowledge frames sent.",
		}),
		AcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_acks_received_total", Help: "Acknowledgements received.",
		}),
		FragmentsReassembled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_fragments_reassembled_total", Help: "Fragmented messages fully reassembled.",
		}),
		ConnectionsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_connections_established_total", Help: "Connections that reached Connected.",
		}),
		ConnectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_connections_closed_total", Help: "Connections that reached Disconnected, by reason.",
		}, []string{"reason"}),
		SmoothedRTTSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_smoothed_rtt_seconds", Help: "EWMA-smoothed round-trip time per connection.",
		}, []string{"remote"}),
		NegotiatedMTU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_negotiated_mtu_bytes", Help: "Negotiated MTU per connection.",
		}, []string{"remote"}),
	}
	reg.MustRegister(
		s.DatagramsSent, s.DatagramsReceived, s.BytesSent, s.BytesReceived,
		s.ReliableResends, s.AcksSent, s.AcksReceived, s.FragmentsReassembled,
		s.ConnectionsEstablished, s.ConnectionsClosed, s.SmoothedRTTSeconds, s.NegotiatedMTU,
	)
	return s
}

// Registry returns the registry stats were registered against.
func (s *Stats) Registry() *prometheus.Registry { return s.reg }
