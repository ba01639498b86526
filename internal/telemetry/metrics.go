package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_submitted_total", Help: "Analysis jobs submitted and enqueued"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	WebhookSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_webhook_success_total", Help: "Webhook callbacks carrying a successful result"})
	WebhookFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_webhook_failed_total", Help: "Webhook callbacks carrying a failed result"})
	WebhookUnknown    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_webhook_unknown_total", Help: "Webhook callbacks for unknown correlation IDs"})
	WebhookErrors     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_webhook_errors_total", Help: "Webhook callbacks that could not be processed"})
	WorkerSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_worker_success_total", Help: "Jobs analyzed successfully by the worker"})
	WorkerFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_worker_failed_total", Help: "Jobs the worker gave up on"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_queue_depth", Help: "Waiting queue depth"})
	WSConnectionGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_ws_connections", Help: "Live websocket connections"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			WebhookSuccess,
			WebhookFailed,
			WebhookUnknown,
			WebhookErrors,
			WorkerSuccess,
			WorkerFailures,
			QueueDepthGauge,
			WSConnectionGauge,
		)
	})
	return promhttp.Handler()
}
