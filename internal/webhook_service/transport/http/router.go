package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sofrahq/feedback_services/internal/platform/messagebroker"
)

// NewRouter wires the webhook service's HTTP surface: the provider webhook
// endpoints behind signature validation, the internal outreach trigger, and
// the operational endpoints.
func NewRouter(natsClient messagebroker.Client, signature *SignatureValidator, logger *slog.Logger, validate *validator.Validate) chi.Router {
	handler := NewWebhookHandler(natsClient, logger, validate)

	r := chi.NewRouter()
	r.Use(chi_middleware.RequestID)
	r.Use(chi_middleware.RealIP)
	r.Use(chi_middleware.Recoverer)
	r.Use(chi_middleware.Timeout(15 * time.Second))
	r.Use(PrometheusMetricsMiddleware)

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(signature.Middleware)
		r.Post("/whatsapp", handler.HandleInboundMessage)
		r.Post("/whatsapp/status", handler.HandleStatusCallback)
	})

	r.Post("/feedback-requests/{customerID}", handler.HandleOutreachRequest)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
