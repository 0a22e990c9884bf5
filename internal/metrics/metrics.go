// Package metrics holds the Prometheus collectors of the checkout service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CheckoutRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_requests_total",
			Help: "Checkout requests by payment method and outcome",
		},
		[]string{"method", "outcome"},
	)

	CheckoutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "checkout_duration_seconds",
			Help:    "Time taken to process a checkout",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	GatewayCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_call_duration_seconds",
			Help:    "Payment gateway call latency by operation and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	AffiliateAttributions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "affiliate_attributions_total",
			Help: "Affiliate code resolutions by outcome",
		},
		[]string{"outcome"},
	)

	SessionResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_session_resolutions_total",
			Help: "Hosted session status checks by resulting status",
		},
		[]string{"status"},
	)

	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_reconciliations_total",
			Help: "Approved payments queued for manual follow-up",
		},
		[]string{"reason"},
	)

	HTTPRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		CheckoutRequests,
		CheckoutDuration,
		GatewayCalls,
		AffiliateAttributions,
		SessionResolutions,
		Reconciliations,
		HTTPRequests,
	)
}
