// Package telemetry exposes Prometheus metrics for the job engine.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_claimed_total", Help: "Jobs successfully claimed for an attempt",
	}, []string{"source"})
	JobsContention = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_claim_contention_total", Help: "Claim attempts lost to another instance",
	}, []string{"source"})
	JobsSucceeded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_succeeded_total", Help: "Jobs finished in their success terminal state",
	}, []string{"source"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_retried_total", Help: "Attempts that failed retryably and were rescheduled",
	}, []string{"source"})
	JobsAbandoned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_abandoned_total", Help: "Jobs moved to a terminal failure state",
	}, []string{"source"})
	JobsStuckReclaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_stuck_reclaimed_total", Help: "In-flight jobs reclaimed after the stuck timeout",
	}, []string{"source"})
	AttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "job_attempt_duration_seconds", Help: "Wall time of one claim-and-process attempt",
	}, []string{"source"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsClaimed,
			JobsContention,
			JobsSucceeded,
			JobsRetried,
			JobsAbandoned,
			JobsStuckReclaimed,
			AttemptDuration,
		)
	})
	return promhttp.Handler()
}
