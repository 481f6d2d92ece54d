package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	MessagesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_messages_enqueued_total", Help: "Messages accepted and enqueued"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs finished with a completed message"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_retried_total", Help: "Jobs nacked for redelivery"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Jobs ending in a failed message"})
	JobsDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_dead_letter_total", Help: "Jobs moved to the DLQ"})
	JobsRecovered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_recovered_total", Help: "Stuck messages re-enqueued by the recovery scanner"})
	JanitorResolved  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_janitor_resolved_total", Help: "Stuck messages forcibly resolved by the janitor"})
	RateLimitDefers  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_defers_total", Help: "Job starts deferred by the global rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Jobs visible to consumers"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			MessagesEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsDeadLetter,
			JobsRecovered,
			JanitorResolved,
			RateLimitDefers,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
