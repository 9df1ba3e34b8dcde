// Package metrics holds the Prometheus collectors shared by the dispatch engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_dispatch_queue_jobs_total",
			Help: "Queue jobs by queue and outcome (completed, retried, failed, cancelled)",
		},
		[]string{"queue", "outcome"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sms_dispatch_queue_depth",
			Help: "Jobs per queue and state",
		},
		[]string{"queue", "state"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sms_dispatch_job_duration_seconds",
			Help:    "Handler duration per queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	ProviderSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_dispatch_provider_sends_total",
			Help: "Provider send calls by provider and outcome (sent, transient, permanent)",
		},
		[]string{"provider", "outcome"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sms_dispatch_provider_send_seconds",
			Help:    "Provider send latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_dispatch_admission_rejections_total",
			Help: "Requests rejected before enqueue, by reason",
		},
		[]string{"reason"},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_dispatch_webhook_events_total",
			Help: "Provider callbacks by provider and outcome (applied, ignored, malformed, unmatched)",
		},
		[]string{"provider", "outcome"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_dispatch_http_requests_total",
			Help: "HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)
)
