package processing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var factory = promauto.With(metrics.Registry)

var (
	webhookSendTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_webhook_send_total",
			Help: "Total webhook delivery attempts by status.",
		},
		[]string{"status"},
	)
	webhookSendDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kopf_webhook_send_duration_seconds",
			Help:    "Duration of webhook HTTP requests.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	eventsPostedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_events_posted_total",
			Help: "Total Kubernetes Events posted for delivered object events, by status.",
		},
		[]string{"status"},
	)
)
