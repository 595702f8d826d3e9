package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_jobs_processed_total",
			Help: "Total number of delayed jobs processed, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runengine_job_duration_seconds",
			Help:    "Delayed job handler duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(jobsProcessed)
	prometheus.MustRegister(jobDuration)
}
