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

	PlatformRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_requests_total",
			Help: "Total number of video platform API requests by operation and status",
		},
		[]string{"operation", "status"},
	)
	PlatformRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "platform_request_duration_seconds",
			Help:    "Video platform API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)
	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_total",
			Help: "Total number of credential refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	RepliesPostedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replies_posted_total",
			Help: "Total number of replies successfully posted",
		},
	)
	ReplyFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reply_failures_total",
			Help: "Total number of per-comment reply failures by reason",
		},
		[]string{"reason"},
	)
	QuotaUnitsSpentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_units_spent_total",
			Help: "Total API quota units reserved against the global daily budget",
		},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"type"},
	)
	TasksProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of tasks currently processing",
		},
		[]string{"type"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"type"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed",
		},
		[]string{"type"},
	)

	VideosDuePerTick = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_videos_due_per_tick",
			Help:    "Distribution of due videos selected per scheduler tick",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)
)

// InitMetrics registers all collectors; call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(PlatformRequestsTotal)
	prometheus.MustRegister(PlatformRequestDuration)
	prometheus.MustRegister(TokenRefreshTotal)
	prometheus.MustRegister(RepliesPostedTotal)
	prometheus.MustRegister(ReplyFailuresTotal)
	prometheus.MustRegister(QuotaUnitsSpentTotal)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(VideosDuePerTick)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		status := http.StatusText(ww.Status())
		HTTPRequestsTotal.WithLabelValues(route, r.Method, status).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
