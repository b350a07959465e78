// README: Prometheus collectors for the gateway, ingest pipeline, lifecycle and webhook.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_connections_open",
			Help: "Live realtime connections",
		},
	)

	RoomsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_rooms_open",
			Help: "Broadcast rooms with at least one member",
		},
	)

	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_broadcasts_total",
			Help: "Events broadcast to rooms",
		},
		[]string{"event"},
	)

	DroppedDeliveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_dropped_deliveries_total",
			Help: "Events dropped because a connection's outbound queue was full",
		},
	)

	TerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_terminations_total",
			Help: "Connections forcibly terminated",
		},
		[]string{"reason"},
	)

	IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_location_ingest_total",
			Help: "Location samples by outcome",
		},
		[]string{"outcome"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_order_transitions_total",
			Help: "Order lifecycle transitions by result and target status",
		},
		[]string{"result", "status"},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_payment_webhooks_total",
			Help: "Payment webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

// Register registers all collectors with the default registry.
func Register() {
	prometheus.MustRegister(ConnectionsOpen)
	prometheus.MustRegister(RoomsOpen)
	prometheus.MustRegister(BroadcastsTotal)
	prometheus.MustRegister(DroppedDeliveriesTotal)
	prometheus.MustRegister(TerminationsTotal)
	prometheus.MustRegister(IngestTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(WebhooksTotal)
}
