// Package observability provides the Prometheus metrics, health checks,
// and request logging shared by every process in the webhook dispatch
// engine (cmd/ingest, cmd/dispatch, the Admin API).
//
// Uses github.com/prometheus/client_golang - the official Prometheus client.
// Chosen for its maturity, wide adoption, and seamless integration with
// the Prometheus ecosystem (Grafana, Alertmanager, etc.).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the engine exposes, scoped to one
// delivery attempt's lifecycle (Pending/InFlight through Success, Retry,
// Failed, or an admission-control throttle) plus the Admin API's own HTTP
// traffic. Metrics are registered via promauto under the caller's chosen
// namespace, so cmd/ingest and cmd/dispatch can run side by side without
// colliding on metric names.
//
// Key metrics for monitoring:
//   - webhooks_routed_total: rows the Event Router fanned out to the Outbox
//   - deliveries_succeeded_total / deliveries_failed_total: terminal outcomes
//   - delivery_duration_seconds: per-attempt latency distribution
//   - circuit_breaker_state: per-subscription destination health (0=closed, 1=half-open, 2=open)
type Metrics struct {
	WebhooksRouted      prometheus.Counter
	DeliveriesSucceeded prometheus.Counter
	DeliveriesFailed    prometheus.Counter
	DeliveriesRetrying  prometheus.Counter
	DeliveriesThrottled prometheus.Counter
	DeliveryDuration    prometheus.Histogram
	DeliveryAttempts    prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimiterRejections *prometheus.CounterVec
}

// NewMetrics creates and registers every metric the engine exposes.
// namespace prefixes each metric name (e.g. "dispatchd_ingest_webhooks_routed_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WebhooksRouted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_routed_total",
			Help:      "Total number of delivery attempts the Event Router fanned out to matching subscriptions",
		}),
		DeliveriesSucceeded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_succeeded_total",
			Help:      "Total number of delivery attempts that reached a 2xx/3xx response",
		}),
		DeliveriesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_failed_total",
			Help:      "Total number of delivery attempts marked permanently failed",
		}),
		DeliveriesRetrying: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_retrying_total",
			Help:      "Total number of delivery attempts scheduled for another try",
		}),
		DeliveriesThrottled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_throttled_total",
			Help:      "Total number of delivery attempts rescheduled by the rate limiter, semaphore, or circuit breaker without reaching the receiver",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total number of delivery attempts made",
		}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"subscription_id"}),
		CircuitBreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"subscription_id"}),
		RateLimiterRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of requests rejected by rate limiter",
		}, []string{"subscription_id"}),
	}
}
