package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_worker_jobs_total",
		Help: "Stream entries acknowledged by the worker, labeled by outcome",
	}, []string{"outcome"})

	settlementAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paystream_settlement_attempts_total",
		Help: "Settlement adapter calls, labeled by result",
	}, []string{"result"})

	settlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paystream_settlement_duration_seconds",
		Help:    "Latency of settlement adapter calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	deadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paystream_worker_dead_letters_total",
		Help: "Jobs moved to the dead-letter stream after exhausting retries",
	})

	pollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paystream_worker_poll_errors_total",
		Help: "Poll cycles aborted by queue or store errors",
	})
)
