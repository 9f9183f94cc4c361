package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsAdmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "upscaled",
			Subsystem: "queue",
			Name:      "jobs_admitted_total",
			Help:      "Jobs accepted by admission control",
		},
	)

	jobsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upscaled",
			Subsystem: "queue",
			Name:      "jobs_rejected_total",
			Help:      "Jobs rejected by admission control",
		},
		[]string{"reason"},
	)

	jobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upscaled",
			Subsystem: "queue",
			Name:      "jobs_completed_total",
			Help:      "Jobs reaching a terminal state",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "upscaled",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs waiting for a worker",
		},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "upscaled",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time from admission to terminal state",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(jobsAdmittedTotal, jobsRejectedTotal, jobsCompletedTotal, queueDepth, jobDuration)
}
