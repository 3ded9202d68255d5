// Package metrics exposes Prometheus counters and gauges for the
// bridge's connections and message flow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the Prometheus metrics for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	HubEventsTotal        prometheus.Counter
	HubReconnectsTotal    prometheus.Counter
	RelayReconnectsTotal  prometheus.Counter
	RelayForwardedTotal   prometheus.Counter
	LocalClientsConnected prometheus.Gauge
	RelayViewers          prometheus.Gauge
	ServiceCallsTotal     *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance on a private registry so tests
// can build as many as they need.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		HubEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_hub_events_total",
			Help: "Total number of state change events received from the hub",
		}),
		HubReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_hub_reconnects_total",
			Help: "Total number of hub reconnect attempts",
		}),
		RelayReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_relay_reconnects_total",
			Help: "Total number of relay reconnect attempts",
		}),
		RelayForwardedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_relay_forwarded_events_total",
			Help: "Total number of state changes forwarded to the relay",
		}),
		LocalClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_local_clients_connected",
			Help: "Number of currently connected local WebSocket clients",
		}),
		RelayViewers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_relay_viewers",
			Help: "Number of remote viewers reported by the relay",
		}),
		ServiceCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_service_calls_total",
			Help: "Total number of service calls routed to the hub, by outcome",
		}, []string{"source", "outcome"}),
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncrementServiceCall records one routed service call.
func (m *Metrics) IncrementServiceCall(source, outcome string) {
	m.ServiceCallsTotal.WithLabelValues(source, outcome).Inc()
}
