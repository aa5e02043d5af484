// Package metrics exposes Prometheus collectors for the DHT engine and the
// tracker client. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peerdht"

// Metrics holds every collector registered by New.
type Metrics struct {
	queriesSent     *prometheus.CounterVec
	queriesReceived *prometheus.CounterVec
	queryTimeouts   prometheus.Counter
	peersFound      prometheus.Counter
	routingNodes    *prometheus.GaugeVec
	pendingQueries  prometheus.Gauge
	trafficRate     *prometheus.GaugeVec
	storedInfoHash  prometheus.Gauge
	trackerRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		queriesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "queries_sent_total",
			Help:      "DHT queries sent, by method",
		}, []string{"method"}),
		queriesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "queries_received_total",
			Help:      "DHT queries received, by method",
		}, []string{"method"}),
		queryTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "query_timeouts_total",
			Help:      "DHT queries that received no reply before the timeout",
		}),
		peersFound: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "peers_found_total",
			Help:      "Peers surfaced by get_peers lookups",
		}),
		routingNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "routing_table_nodes",
			Help:      "Routing table members, by node state",
		}, []string{"state"}),
		pendingQueries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "pending_queries",
			Help:      "Outstanding DHT transactions",
		}),
		trafficRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "traffic_bytes_per_second",
			Help:      "Rolling average DHT traffic rate",
		}, []string{"direction"}),
		storedInfoHash: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "stored_info_hashes",
			Help:      "Info-hashes with announced peers held locally",
		}),
		trackerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "requests_total",
			Help:      "Tracker requests, by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}

// QuerySent counts an outbound DHT query.
func (m *Metrics) QuerySent(method string) {
	if m == nil {
		return
	}
	m.queriesSent.WithLabelValues(method).Inc()
}

// QueryReceived counts an inbound DHT query.
func (m *Metrics) QueryReceived(method string) {
	if m == nil {
		return
	}
	m.queriesReceived.WithLabelValues(method).Inc()
}

// QueryTimedOut counts a DHT query timeout.
func (m *Metrics) QueryTimedOut() {
	if m == nil {
		return
	}
	m.queryTimeouts.Inc()
}

// PeersFound adds n to the discovered peer counter.
func (m *Metrics) PeersFound(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.peersFound.Add(float64(n))
}

// SetRoutingNodes records the number of routing table members in state.
func (m *Metrics) SetRoutingNodes(state string, n int) {
	if m == nil {
		return
	}
	m.routingNodes.WithLabelValues(state).Set(float64(n))
}

// SetPendingQueries records the number of outstanding transactions.
func (m *Metrics) SetPendingQueries(n int) {
	if m == nil {
		return
	}
	m.pendingQueries.Set(float64(n))
}

// SetTrafficRate records the inbound and outbound byte rates.
func (m *Metrics) SetTrafficRate(in, out float64) {
	if m == nil {
		return
	}
	m.trafficRate.WithLabelValues("in").Set(in)
	m.trafficRate.WithLabelValues("out").Set(out)
}

// SetStoredInfoHashes records the size of the local peer store.
func (m *Metrics) SetStoredInfoHashes(n int) {
	if m == nil {
		return
	}
	m.storedInfoHash.Set(float64(n))
}

// TrackerRequest counts a finished tracker request.
func (m *Metrics) TrackerRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.trackerRequests.WithLabelValues(kind, outcome).Inc()
}
