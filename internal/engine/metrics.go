package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTriggered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_runs_triggered_total",
		Help: "Total number of runs triggered.",
	})

	runsDequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_runs_dequeued_total",
		Help: "Total number of run attempts handed to workers.",
	})

	runsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_runs_expired_total",
		Help: "Total number of runs expired by TTL while queued.",
	})

	attemptsCrashed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_attempts_crashed_total",
		Help: "Total number of attempts recovered after missed heartbeats.",
	})

	waitpointsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_waitpoints_completed_total",
		Help: "Total number of waitpoints completed.",
	})

	queuesRepaired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pacer_queue_drift_detected_total",
		Help: "Total number of repair passes that found queue drift.",
	})
)

func init() {
	prometheus.MustRegister(runsTriggered)
	prometheus.MustRegister(runsDequeued)
	prometheus.MustRegister(runsExpired)
	prometheus.MustRegister(attemptsCrashed)
	prometheus.MustRegister(waitpointsCompleted)
	prometheus.MustRegister(queuesRepaired)
}
