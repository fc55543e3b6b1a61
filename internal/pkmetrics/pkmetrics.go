// Package pkmetrics exposes Prometheus instrumentation for the protocol
// engine, grounded on the exporter pattern in the retrieval pack's
// tcpinfo/sockstats lineage (pkg/exporter/exporter.go), which registers a
// small set of counters/gauges over live state with a dedicated registry
// rather than the global default one.
package pkmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters and gauges one Engine instance reports.
type Metrics struct {
	Registry *prometheus.Registry

	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	Retransmits    prometheus.Counter
	AckMismatches  prometheus.Counter
	ChainsDone     *prometheus.CounterVec
	ChainsFailed   *prometheus.CounterVec
	OutstandingAge prometheus.Gauge
}

// New creates a Metrics set registered with a fresh registry, so multiple
// Engine instances in one process (e.g. one per channel, per spec §9
// "instantiate multiple engines if multiple channels exist") don't collide
// on Prometheus's default global registry.
func New(role string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"role": role}

	m := &Metrics{
		Registry: reg,
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pkcmd",
			Name:        "frames_sent_total",
			Help:        "Frames transmitted by the engine, by op.",
			ConstLabels: labels,
		}, []string{"op"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pkcmd",
			Name:        "frames_received_total",
			Help:        "Frames accepted by the engine, by op.",
			ConstLabels: labels,
		}, []string{"op"}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pkcmd",
			Name:        "retransmits_total",
			Help:        "Outstanding sends retransmitted after an ACK timeout.",
			ConstLabels: labels,
		}),
		AckMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pkcmd",
			Name:        "ack_mismatches_total",
			Help:        "ACKNO frames that did not match the outstanding send.",
			ConstLabels: labels,
		}),
		ChainsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pkcmd",
			Name:        "chains_completed_total",
			Help:        "Chains that reached their final ENDTR ack, by root op.",
			ConstLabels: labels,
		}, []string{"root_op"}),
		ChainsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pkcmd",
			Name:        "chains_failed_total",
			Help:        "Chains aborted with an ERROR frame, by reason kind.",
			ConstLabels: labels,
		}, []string{"reason"}),
		OutstandingAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pkcmd",
			Name:        "outstanding_send_age_seconds",
			Help:        "Age of the current outstanding (unacknowledged) send, 0 when none.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(m.FramesSent, m.FramesReceived, m.Retransmits, m.AckMismatches,
		m.ChainsDone, m.ChainsFailed, m.OutstandingAge)

	return m
}
