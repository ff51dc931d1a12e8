package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var factory = promauto.With(metrics.Registry)

var (
	sessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "kopf_discovery_sessions_active",
			Help: "Number of resource kinds currently being watched.",
		},
	)
	sessionEndsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_discovery_session_ends_total",
			Help: "Total watch session ends, by reason.",
		},
		[]string{"resource", "reason"},
	)
)
