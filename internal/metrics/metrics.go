// Package metrics exposes the node's Prometheus counters and gauges. Every
// subsystem that can drop work, throttle, or complete a round reports here
// rather than only logging, so operators can alert on trends.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the node's metric collectors. Construct one per node with
// NewRegistry; all fields are safe for concurrent use.
type Registry struct {
	reg *prometheus.Registry

	MessagesDropped   *prometheus.CounterVec
	BackpressureEvent *prometheus.CounterVec
	QuotaViolations   *prometheus.CounterVec
	ConsensusRounds   *prometheus.CounterVec
	ConsensusLatency  prometheus.Histogram
	PeersConnected    prometheus.Gauge
	PeersBanned       prometheus.Gauge
	ProposalsActive   prometheus.Gauge
	AttestationsTotal prometheus.Counter
}

// NewRegistry builds a Registry with its own prometheus.Registry, so
// multiple nodes in one process never collide on metric names.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icn",
			Subsystem: "network",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped from the inbound priority queue, by reason.",
		}, []string{"reason"}),

		BackpressureEvent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icn",
			Subsystem: "network",
			Name:      "backpressure_events_total",
			Help:      "Messages enqueued while the inbound priority queue was at capacity, by priority band.",
		}, []string{"band"}),

		QuotaViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icn",
			Subsystem: "dstorage",
			Name:      "quota_violations_total",
			Help:      "Denied or throttled storage operations, by violation reason.",
		}, []string{"reason"}),

		ConsensusRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icn",
			Subsystem: "consensus",
			Name:      "rounds_total",
			Help:      "Completed Proof-of-Cooperation rounds, by outcome.",
		}, []string{"outcome"}),

		ConsensusLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "icn",
			Subsystem: "consensus",
			Name:      "round_duration_seconds",
			Help:      "Wall-clock duration of a consensus round from proposal to finalization.",
			Buckets:   prometheus.DefBuckets,
		}),

		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "icn",
			Subsystem: "network",
			Name:      "peers_connected",
			Help:      "Currently connected peers.",
		}),

		PeersBanned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "icn",
			Subsystem: "network",
			Name:      "peers_banned",
			Help:      "Peers explicitly added to the banned set.",
		}),

		ProposalsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "icn",
			Subsystem: "governance",
			Name:      "proposals_active",
			Help:      "Governance proposals currently open for voting.",
		}),

		AttestationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "icn",
			Subsystem: "reputation",
			Name:      "attestations_total",
			Help:      "Attestations recorded into the trust graph.",
		}),
	}
}

// Handler returns the HTTP handler a node exposes its metrics on.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
