package recalc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClientsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harrier_recalc_clients_total",
			Help: "Total number of clients rescored by recalculation runs",
		},
		[]string{"outcome"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harrier_recalc_duration_seconds",
			Help:    "Duration of recalculation runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harrier_recalc_runs_total",
			Help: "Total number of recalculation runs by result",
		},
		[]string{"result"},
	)

	Running = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harrier_recalc_running",
			Help: "1 while a recalculation run is in progress",
		},
	)

	WeightFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harrier_urgency_weight_fallback_total",
			Help: "Assessments that substituted fallback urgency weights",
		},
	)
)
