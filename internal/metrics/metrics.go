// Package metrics declares the Prometheus collectors of the service.  They
// are registered once with the default registry and served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SagaOutcomes counts finished saga runs by saga (accept, cancel,
	// decline, expire) and outcome.
	SagaOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reallocation_saga_outcomes_total",
		Help: "Saga runs by saga and outcome",
	}, []string{"saga", "outcome"})

	// Offers counts offer engine runs by result (offered, exhausted, noop).
	Offers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reallocation_offers_total",
		Help: "Offer engine runs by result",
	}, []string{"result"})

	// ExpiredOffers counts offers moved to EXPIRED by the sweep.
	ExpiredOffers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reallocation_expired_offers_total",
		Help: "Offers expired by the sweep",
	})

	// Compensations counts compensation applications by action and result.
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reallocation_compensations_total",
		Help: "Compensation applications by action and result",
	}, []string{"action", "result"})

	// PartialFailures counts partial saga failures, the consistency near misses.
	PartialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reallocation_partial_saga_failures_total",
		Help: "Partial saga failures by failed step",
	}, []string{"step"})

	// Notifications counts published notifications by routing key and result.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reallocation_notifications_total",
		Help: "Published notifications by routing key and result",
	}, []string{"routing_key", "result"})

	// CollaboratorLatency observes remote call durations.
	CollaboratorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reallocation_collaborator_call_duration_seconds",
		Help:    "Duration of calls to order and payment collaborators",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HTTPRequests counts API requests by route and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reallocation_http_requests_total",
		Help: "API requests by route and status",
	}, []string{"method", "route", "status"})
)
