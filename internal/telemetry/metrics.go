package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ScanRuns          = prometheus.NewCounter(prometheus.CounterOpts{Name: "reengagement_scan_runs_total", Help: "Enrollment scans executed"})
	ScanEnrolled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reengagement_scan_enrolled_total", Help: "Users that started tracking"})
	ScanFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reengagement_scan_failures_total", Help: "Per-definition or per-user scan failures"})
	JobsEnqueued      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reengagement_jobs_enqueued_total", Help: "Deferred jobs enqueued"}, []string{"kind"})
	JobOutcomes       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reengagement_job_outcomes_total", Help: "Jobs executed by outcome"}, []string{"kind", "outcome"})
	JobRetries        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reengagement_job_retries_total", Help: "Jobs rescheduled after a transient failure"}, []string{"kind"})
	JobDeadLetter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reengagement_job_dead_letter_total", Help: "Jobs moved to DLQ"}, []string{"kind"})
	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reengagement_notifications_sent_total", Help: "Messages handed to the transport"}, []string{"recipient"})
	NotificationFails = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reengagement_notifications_failed_total", Help: "Messages the transport rejected"}, []string{"recipient"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reengagement_rate_limit_rejects_total", Help: "Admin requests rejected by rate limiter"})
	DueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reengagement_queue_due", Help: "Scheduled jobs already due"})
	ScheduledGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reengagement_queue_scheduled", Help: "Jobs waiting in the scheduled set"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reengagement_queue_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ScanRuns,
			ScanEnrolled,
			ScanFailures,
			JobsEnqueued,
			JobOutcomes,
			JobRetries,
			JobDeadLetter,
			NotificationsSent,
			NotificationFails,
			RateLimitRejects,
			DueDepthGauge,
			ScheduledGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
