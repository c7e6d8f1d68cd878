package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed by terminal state",
		},
		[]string{"state"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM vendor requests",
		},
		[]string{"model", "operation"},
	)
	LLMTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens by direction",
		},
		[]string{"direction"},
	)
	LLMCostUSD = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_cost_usd_total",
			Help: "Accumulated LLM cost in USD",
		},
	)
	DailyCostGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_daily_cost_usd",
			Help: "LLM spend recorded against today's cost cap",
		},
	)

	OutboxProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_processed_total",
			Help: "Outbox messages by outcome",
		},
		[]string{"outcome"},
	)
	ReconciliationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_runs_total",
			Help: "Reconciliation runs by status",
		},
		[]string{"status"},
	)

	RoutingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_decisions_total",
			Help: "Confidence routing decisions",
		},
		[]string{"action"},
	)
	ReviewQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "review_queue_depth",
			Help: "Unresolved manual review items",
		},
	)

	OverallConfidenceHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_overall_confidence",
			Help:    "Distribution of overall job confidence [0,1]",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
)

var metricsRegistered bool

// InitMetrics registers all metric vectors with the default registry.
// Safe to call once per process.
func InitMetrics() {
	if metricsRegistered {
		return
	}
	metricsRegistered = true
	prometheus.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration,
		JobsEnqueuedTotal, JobsProcessing, JobsCompletedTotal,
		LLMRequestsTotal, LLMTokensTotal, LLMCostUSD, DailyCostGauge,
		OutboxProcessedTotal, ReconciliationRunsTotal,
		RoutingDecisionsTotal, ReviewQueueDepth,
		OverallConfidenceHistogram,
	)
}

// HTTPMetricsMiddleware records request counts and latencies per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// EnqueueJob increments the enqueue counter for the given task type.
func EnqueueJob(taskType string) { JobsEnqueuedTotal.WithLabelValues(taskType).Inc() }
