package waitpoint

import "github.com/prometheus/client_golang/prometheus"

var waitpointsCompleted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "runengine_waitpoints_completed_total",
		Help: "Total number of waitpoints completed, by type and completion source.",
	},
	[]string{"type", "by"},
)

func init() {
	prometheus.MustRegister(waitpointsCompleted)
}
