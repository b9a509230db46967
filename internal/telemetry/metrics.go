package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_jobs_submitted_total", Help: "Jobs accepted by the submission API"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	TasksClaimed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_tasks_claimed_total", Help: "Tasks claimed by workers"})
	TasksCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_tasks_completed_total", Help: "Tasks completed successfully"})
	TasksFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_tasks_failed_total", Help: "Task attempts that failed"})
	TasksReclaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "readings_tasks_reclaimed_total", Help: "Tasks returned to pending by the stale sweep"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "readings_queue_depth", Help: "Pending task count"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "readings_tasks_inflight", Help: "Tasks currently being processed by this worker"})
	WorkerTarget     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "readings_worker_target", Help: "Worker count last applied by the autoscaler"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			RateLimitRejects,
			TasksClaimed,
			TasksCompleted,
			TasksFailed,
			TasksReclaimed,
			QueueDepthGauge,
			InFlightGauge,
			WorkerTarget,
		)
	})
	return promhttp.Handler()
}
