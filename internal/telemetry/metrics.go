package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "switch_jobs_enqueued_total", Help: "Jobs accepted by the queue"}, []string{"type"})
	JobsCompleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "switch_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "switch_jobs_retried_total", Help: "Job attempts that failed and were scheduled for retry"}, []string{"type"})
	JobsFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "switch_jobs_failed_total", Help: "Jobs that exhausted retries or failed permanently"}, []string{"type"})
	JobsCancelled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "switch_jobs_cancelled_total", Help: "Queued jobs removed before dispatch"})
	JobDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "switch_job_duration_seconds", Help: "Handler execution time per attempt", Buckets: prometheus.DefBuckets}, []string{"type"})
	QueueDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "switch_queue_depth", Help: "Jobs waiting for a worker"})
	ActiveJobs     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "switch_active_jobs", Help: "Jobs currently executing"})
	Transactions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "switch_transactions_total", Help: "Transactions reaching a status"}, []string{"type", "status"})
	PluginRuns     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "switch_plugin_runs_total", Help: "Plugin executions by outcome"}, []string{"plugin", "status"})
	RailSettlement = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "switch_rail_settlements_total", Help: "Rail settlement attempts"}, []string{"rail", "outcome"})
	RateLimitHits  = prometheus.NewCounter(prometheus.CounterOpts{Name: "switch_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsCancelled,
			JobDuration,
			QueueDepth,
			ActiveJobs,
			Transactions,
			PluginRuns,
			RailSettlement,
			RateLimitHits,
		)
	})
	return promhttp.Handler()
}
