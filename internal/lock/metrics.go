package lock

import "github.com/prometheus/client_golang/prometheus"

var (
	lockAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runengine_lock_acquire_seconds",
			Help:    "Time spent acquiring run locks, including retries, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	lockAcquireFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runengine_lock_acquire_failures_total",
			Help: "Total number of lock acquisitions that exhausted their retries.",
		},
	)
)

func init() {
	prometheus.MustRegister(lockAcquireDuration)
	prometheus.MustRegister(lockAcquireFailures)
}
