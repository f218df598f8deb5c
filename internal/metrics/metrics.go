// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Generation pipeline
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckforge_generations_total",
			Help: "Total deck generation requests by outcome",
		},
		[]string{"outcome"}, // success, quota_exceeded, upstream_unavailable, ...
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deckforge_generation_duration_seconds",
			Help:    "End-to-end duration of deck generation requests",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 180},
		},
	)

	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deckforge_completion_duration_seconds",
			Help:    "Duration of language-model completion calls by provider",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"provider"},
	)

	CompletionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckforge_completion_errors_total",
			Help: "Completion failures by provider and error kind",
		},
		[]string{"provider", "kind"},
	)

	CompletionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deckforge_completion_retries_total",
			Help: "Completion attempts retried after a transient provider error",
		},
	)

	RenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deckforge_render_duration_seconds",
			Help:    "Duration of deck rendering",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Entitlement ledger
	QuotaReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckforge_quota_reservations_total",
			Help: "Quota reservation attempts by result",
		},
		[]string{"result"}, // reserved, exceeded, closed, not_found
	)

	QuotaSettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckforge_quota_settlements_total",
			Help: "Reservations settled by action",
		},
		[]string{"action"}, // commit, release, reaped
	)

	// Payment webhooks
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckforge_webhook_events_total",
			Help: "Payment webhook events by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deckforge_webhook_duration_seconds",
			Help:    "Payment webhook processing duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// HTTP surface
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckforge_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deckforge_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deckforge_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
		[]string{"route"},
	)
)

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
