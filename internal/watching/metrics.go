package watching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var factory = promauto.With(metrics.Registry)

var (
	watchEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_watching_events_total",
			Help: "Total watch events received, by event type.",
		},
		[]string{"resource", "type"},
	)
	listsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_watching_lists_total",
			Help: "Total full listings (initial and after expiry or freeze).",
		},
		[]string{"resource"},
	)
	watchReconnectsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_watching_reconnects_total",
			Help: "Total watch reconnections, by reason.",
		},
		[]string{"resource", "reason"},
	)
)
