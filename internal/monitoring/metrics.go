package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsCurrent tracks live WebSocket connections.
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cipherbase_connections_current",
		Help: "Number of live WebSocket connections",
	})

	// ConnectionsTotal counts accepted connections since start.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbase_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	// ConnectionsRejected counts upgrades refused before the WebSocket
	// handshake, by reason (auth, rate_limit, overload, shutdown).
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherbase_connections_rejected_total",
		Help: "Upgrades refused before completing the handshake",
	}, []string{"reason"})

	// DisconnectsTotal counts closed connections by reason.
	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cipherbase_disconnects_total",
		Help: "Connections closed, by reason",
	}, []string{"reason"})

	// MessagesReceived counts inbound frames.
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbase_messages_received_total",
		Help: "Inbound WebSocket frames",
	})

	// MessagesSent counts outbound frames.
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbase_messages_sent_total",
		Help: "Outbound WebSocket frames",
	})

	// RateLimited counts requests refused with 429.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbase_rate_limited_total",
		Help: "Requests refused by the per-connection rate bucket",
	})

	// TransactionsAppended counts committed log records.
	TransactionsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbase_transactions_appended_total",
		Help: "Transaction log records committed",
	})

	// AppendDuration observes store append latency.
	AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cipherbase_append_duration_seconds",
		Help:    "Latency of transaction log appends",
		Buckets: prometheus.DefBuckets,
	})

	// SlowConsumersDropped counts subscriptions shed under backpressure.
	SlowConsumersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbase_slow_consumers_dropped_total",
		Help: "Subscriptions dropped because the outbound queue overflowed",
	})

	// BundlesPublished counts accepted bundle publishes.
	BundlesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cipherbase_bundles_published_total",
		Help: "Accepted database bundle publishes",
	})
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
