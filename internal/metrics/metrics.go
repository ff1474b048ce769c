package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts gateway webhook deliveries by gateway and outcome.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedbox",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total gateway webhook deliveries by gateway and outcome.",
	}, []string{"gateway", "outcome"})

	// CheckoutTotal counts checkout attempts by gateway and resulting payment status.
	CheckoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedbox",
		Subsystem: "billing",
		Name:      "checkout_total",
		Help:      "Total checkout attempts by gateway and payment status.",
	}, []string{"gateway", "status"})

	// ProvisioningTotal counts provisioning attempts and outcomes.
	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedbox",
		Subsystem: "billing",
		Name:      "provisioning_total",
		Help:      "Total provisioning attempts by outcome.",
	}, []string{"outcome"})

	// SubscriptionsSweptTotal counts subscriptions moved to past_due by the expiry sweep.
	SubscriptionsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "feedbox",
		Subsystem: "billing",
		Name:      "subscriptions_swept_total",
		Help:      "Total subscriptions moved to past_due by the expiry sweep.",
	})

	// GatewayRequestDuration tracks outbound payment gateway call latency.
	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "feedbox",
		Subsystem: "billing",
		Name:      "gateway_request_duration_seconds",
		Help:      "Outbound payment gateway request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"gateway", "operation"})
)
