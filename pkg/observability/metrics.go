package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhooksReceived counts inbound provider webhooks by provider and outcome
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhooks_received_total",
			Help: "Total number of inbound provider webhooks",
		},
		[]string{"provider", "outcome"},
	)

	// PaymentTransitions counts payment status transitions
	PaymentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Total number of payment status transitions",
		},
		[]string{"to"},
	)

	// KeysProvisioned counts VPN credentials created by protocol
	KeysProvisioned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpn_keys_provisioned_total",
			Help: "Total number of VPN credentials created on remote servers",
		},
		[]string{"protocol"},
	)

	// ReconcilerPasses counts reconciler sweeps by kind
	ReconcilerPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciler_passes_total",
			Help: "Total number of reconciler sweeps",
		},
		[]string{"sweep"},
	)

	// NotificationsSent counts delivered notifications by audience and transport
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notifications delivered",
		},
		[]string{"audience", "transport"},
	)
)
