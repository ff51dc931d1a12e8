package queueing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var factory = promauto.With(metrics.Registry)

var (
	eventsDispatchedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_queueing_events_dispatched_total",
			Help: "Total raw watch events routed to per-object streams.",
		},
		[]string{"resource"},
	)
	eventsCompactedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_queueing_events_compacted_total",
			Help: "Total raw watch events superseded by a fresher event of the same object within the batch window.",
		},
		[]string{"resource"},
	)
	eventsProcessedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_queueing_events_processed_total",
			Help: "Total events handed to the processor, by outcome.",
		},
		[]string{"resource", "outcome"},
	)
	processingDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kopf_queueing_processing_duration_seconds",
			Help:    "Duration of processor calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)
	workersLive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kopf_queueing_workers_live",
			Help: "Number of currently live per-object workers.",
		},
		[]string{"resource"},
	)
	workersSpawnedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_queueing_workers_spawned_total",
			Help: "Total per-object workers admitted.",
		},
		[]string{"resource"},
	)
	workerExitsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_queueing_worker_exits_total",
			Help: "Total per-object worker exits, by reason.",
		},
		[]string{"resource", "reason"},
	)
	leftoverStreamsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kopf_queueing_leftover_streams_total",
			Help: "Total streams still registered when shutdown gave up waiting.",
		},
		[]string{"resource"},
	)
)
