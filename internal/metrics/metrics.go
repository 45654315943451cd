// Package metrics exposes the Prometheus collectors shared by the
// gateway and the services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_connections_total",
		Help: "WebSocket sessions established",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_connections_active",
		Help: "Live WebSocket sessions",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_connections_rejected_total",
		Help: "Upgrade attempts refused, by reason",
	}, []string{"reason"})

	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_packets_received_total",
		Help: "Frames decoded from clients",
	})

	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_packets_sent_total",
		Help: "Frames written to clients",
	})

	PacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_packets_dropped_total",
		Help: "Frames dropped because a session write queue was full",
	})

	KicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_kicks_total",
		Help: "Sessions kicked",
	})

	RateLimitedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_rate_limited_packets_total",
		Help: "Inbound frames dropped by the per-session rate limiter",
	})

	PushesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_pushes_sent_total",
		Help: "PushNotify calls issued to peer gateways",
	})

	PushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_push_failures_total",
		Help: "PushNotify calls that failed (send still succeeds)",
	})

	RPCFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_rpc_failures_total",
		Help: "Back-end RPC failures, by service",
	}, []string{"service"})
)

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
