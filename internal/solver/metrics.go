package solver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ista_solver_step_duration_seconds",
		Help:    "Duration of proximal-gradient steps",
		Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
	}, []string{"precision"})

	evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ista_solver_evaluations_total",
		Help: "Objective and majorizer evaluations",
	}, []string{"kind", "precision"})
)
