package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "webhook_http_requests_total",
			Help:      "Total number of HTTP requests handled by the webhook service.",
		},
		[]string{"method", "path", "status_code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "feedback",
			Name:      "webhook_http_request_duration_seconds",
			Help:      "Duration of HTTP requests handled by the webhook service.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// webhookPublishFailuresCounter counts provider events that could not be
	// forwarded to NATS; the provider's webhook retry redelivers them.
	webhookPublishFailuresCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "webhook_publish_failures_total",
			Help:      "Total number of webhook events that failed to publish to NATS.",
		},
		[]string{"subject"},
	)

	// signatureRejectionsCounter counts requests rejected for a bad provider signature.
	signatureRejectionsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedback",
			Name:      "webhook_signature_rejections_total",
			Help:      "Total number of webhook requests rejected due to an invalid signature.",
		},
	)
)

// PrometheusMetricsMiddleware records request count and duration per route.
func PrometheusMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = "unknown"
		}
		statusCode := ww.Status()
		if statusCode == 0 {
			statusCode = http.StatusOK
		}

		httpRequestDurationSeconds.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(statusCode)).Inc()
	})
}
