package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dripbot_build_info",
			Help: "Build information of dripbot",
		},
		[]string{"version", "commit", "date"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripbot_webhook_events_total",
			Help: "Total number of webhook events received",
		},
		[]string{"kind", "status"},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripbot_transfers_total",
			Help: "Total number of transfer attempts",
		},
		[]string{"network", "status"},
	)

	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dripbot_transfer_duration_seconds",
			Help:    "Duration of submit plus confirmation wait",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"network"},
	)

	ClaimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dripbot_claims_total",
			Help: "Total number of confirmed claims recorded in the ledger",
		},
	)

	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dripbot_rpc_probe_duration_seconds",
			Help:    "Duration of RPC endpoint liveness probes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4.1s
		},
		[]string{"network"},
	)

	EndpointSelectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripbot_rpc_endpoint_selected_total",
			Help: "Total number of successful endpoint selections",
		},
		[]string{"network"},
	)
)
