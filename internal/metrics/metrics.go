// Package metrics exposes the engine's counters and gauges to Prometheus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every collector the engine and fetch orchestration report
// to. Construct with New and pass to prometheus.MustRegister (or a custom
// registry) once at startup.
type Metrics struct {
	OutstandingRequests prometheus.Gauge
	KnownPeers          prometheus.Gauge
	Retransmits         prometheus.Counter
	NatTraversalHints   prometheus.Counter
	AbandonedRequests   prometheus.Counter
	ChunksFetched       prometheus.Counter
	ChunksServed        prometheus.Counter
	MalformedPackets    prometheus.Counter
}

// New constructs a Metrics with every collector under the "udp2p"
// namespace.
func New() *Metrics {
	return &Metrics{
		OutstandingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "udp2p",
			Name:      "outstanding_requests",
			Help:      "Number of outbound requests awaiting a reply.",
		}),
		KnownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "udp2p",
			Name:      "known_peers",
			Help:      "Number of live peers in the registry.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udp2p",
			Name:      "retransmits_total",
			Help:      "Number of request packets retransmitted by the retransmit ticker.",
		}),
		NatTraversalHints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udp2p",
			Name:      "nat_traversal_hints_total",
			Help:      "Number of NatTraversalRequest hints sent to the directory server.",
		}),
		AbandonedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udp2p",
			Name:      "abandoned_requests_total",
			Help:      "Number of requests dropped after exhausting the retry cap.",
		}),
		ChunksFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udp2p",
			Name:      "chunks_fetched_total",
			Help:      "Number of chunk nodes successfully fetched from peers.",
		}),
		ChunksServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udp2p",
			Name:      "chunks_served_total",
			Help:      "Number of GetDatum requests answered from the local store.",
		}),
		MalformedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udp2p",
			Name:      "malformed_packets_total",
			Help:      "Number of inbound datagrams dropped for failing to decode.",
		}),
	}
}

// Collectors returns every collector for bulk registration:
// prometheus.MustRegister(m.Collectors()...).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.OutstandingRequests,
		m.KnownPeers,
		m.Retransmits,
		m.NatTraversalHints,
		m.AbandonedRequests,
		m.ChunksFetched,
		m.ChunksServed,
		m.MalformedPackets,
	}
}
