package fit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backtracksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ista_fit_backtracks_total",
		Help: "Total number of curvature increases during backtracking",
	})

	iterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ista_fit_iterations_total",
		Help: "Total number of accepted proximal-gradient iterations",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ista_fit_runs_total",
		Help: "Completed fits by outcome",
	}, []string{"outcome"})
)
