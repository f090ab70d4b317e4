// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ClientsConnected is the number of clients currently in the registry.
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatrelay",
		Name:      "clients_connected",
		Help:      "Number of clients currently registered.",
	})

	// EventsTotal counts registry events by type.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Name:      "events_total",
		Help:      "Registry events processed, by event type.",
	}, []string{"type"})

	// DeliveryFailures counts outbound messages that could not be queued.
	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Name:      "delivery_failures_total",
		Help:      "Outbound messages that could not be queued, by reason.",
	}, []string{"reason"})

	// ConnectionsAccepted counts accepted TCP connections.
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Name:      "connections_accepted_total",
		Help:      "TCP connections accepted by the listener.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
