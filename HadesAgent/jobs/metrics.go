package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished jobs by kind and outcome (succeeded, failed, stopped, rejected).
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hades",
			Subsystem: "agent",
			Name:      "jobs_total",
			Help:      "Total number of jobs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// JobDuration tracks how long isolated jobs take, child start to reap.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hades",
			Subsystem: "agent",
			Name:      "job_duration_seconds",
			Help:      "Duration of isolated jobs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16), // 50ms to ~27m
		},
		[]string{"kind"},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hades",
			Subsystem: "agent",
			Name:      "jobs_running",
			Help:      "Number of isolated jobs currently running",
		},
	)

	LogChunksStreamed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hades",
			Subsystem: "agent",
			Name:      "log_chunks_streamed_total",
			Help:      "Total number of job log chunks published by kind",
		},
		[]string{"kind"},
	)
)
