package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobRuns        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "engine_job_runs_total", Help: "Job firings by job id"}, []string{"job"})
	JobFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "engine_job_failures_total", Help: "Job firings that failed at selection"}, []string{"job"})
	UserFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "engine_user_failures_total", Help: "Per-user failures isolated inside a job firing"}, []string{"job"})
	NudgesSent     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "engine_nudges_sent_total", Help: "Nudges sent by type"}, []string{"type"})
	MessagesSent   = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_messages_sent_total", Help: "Messages delivered to users"})
	SummariesSaved = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "engine_summaries_saved_total", Help: "Summaries persisted by kind"}, []string{"kind"})
	DecisionsGated = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_decisions_gated_total", Help: "Autonomous decisions dropped below the confidence gate"})
	BreakerState   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "engine_breaker_state", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)"}, []string{"dependency"})
	BackupRuns     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_backup_runs_total", Help: "Completed backup exports"})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobRuns,
			JobFailures,
			UserFailures,
			NudgesSent,
			MessagesSent,
			SummariesSaved,
			DecisionsGated,
			BreakerState,
			BackupRuns,
		)
	})
	return promhttp.Handler()
}

// SetBreakerState maps a breaker state string onto the gauge.
func SetBreakerState(dependency, state string) {
	v := 0.0
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	BreakerState.WithLabelValues(dependency).Set(v)
}
