package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_runs_triggered_total",
			Help: "Total number of runs created, by environment type.",
		},
		[]string{"environment_type"},
	)

	snapshotTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_snapshot_transitions_total",
			Help: "Total number of snapshot transitions, by source and target status.",
		},
		[]string{"from", "to"},
	)

	dequeuedRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runengine_dequeued_runs_total",
			Help: "Total number of runs handed to workers.",
		},
	)

	runsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_runs_finished_total",
			Help: "Total number of runs reaching a final status, by status and environment type.",
		},
		[]string{"status", "environment_type"},
	)

	heartbeatStalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runengine_heartbeat_stalls_total",
			Help: "Total number of missed heartbeat deadlines, by action taken.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(runsTriggered)
	prometheus.MustRegister(snapshotTransitions)
	prometheus.MustRegister(dequeuedRuns)
	prometheus.MustRegister(runsFinished)
	prometheus.MustRegister(heartbeatStalls)
}
