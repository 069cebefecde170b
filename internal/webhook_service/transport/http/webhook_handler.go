package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
	"github.com/sofrahq/feedback_services/internal/platform/messagebroker"
)

// WebhookHandler receives provider webhooks, validates them and publishes
// the raw events to NATS for the feedback processor. The provider is always
// answered 200 on a well-formed request: delivery outcome must never depend
// on downstream processing, and provider-side retries are absorbed by the
// dedup layer.
type WebhookHandler struct {
	natsClient messagebroker.Client
	logger     *slog.Logger
	validate   *validator.Validate
}

func NewWebhookHandler(natsClient messagebroker.Client, logger *slog.Logger, validate *validator.Validate) *WebhookHandler {
	return &WebhookHandler{
		natsClient: natsClient,
		logger:     logger.With("handler", "webhook"),
		validate:   validate,
	}
}

// HandleInboundMessage handles POST /webhooks/whatsapp.
func (h *WebhookHandler) HandleInboundMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	if err := r.ParseForm(); err != nil {
		logger.WarnContext(ctx, "Failed to parse webhook form body", "error", err)
		http.Error(w, "Invalid form body", http.StatusBadRequest)
		return
	}

	numMedia, _ := strconv.Atoi(r.PostForm.Get("NumMedia"))
	req := inboundWebhookRequest{
		MessageSid: r.PostForm.Get("MessageSid"),
		AccountSid: r.PostForm.Get("AccountSid"),
		From:       stripWhatsAppPrefix(r.PostForm.Get("From")),
		To:         stripWhatsAppPrefix(r.PostForm.Get("To")),
		Body:       r.PostForm.Get("Body"),
		NumMedia:   numMedia,
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		logger.WarnContext(ctx, "Invalid inbound webhook payload", "error", err)
		http.Error(w, "Validation failed", http.StatusBadRequest)
		return
	}
	logger = logger.With("provider_message_id", req.MessageSid, "from", req.From)
	logger.InfoContext(ctx, "Received inbound WhatsApp message", "body_len", len(req.Body), "num_media", req.NumMedia)

	event := domain.InboundMessageEvent{
		ProviderMessageID: req.MessageSid,
		From:              req.From,
		To:                req.To,
		Body:              req.Body,
		AccountSid:        req.AccountSid,
		NumMedia:          req.NumMedia,
		ReceivedAt:        time.Now().UTC(),
	}
	h.publish(ctx, logger, domain.SubjectInboundRaw, event)

	respondOK(w)
}

// HandleStatusCallback handles POST /webhooks/whatsapp/status.
func (h *WebhookHandler) HandleStatusCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	if err := r.ParseForm(); err != nil {
		logger.WarnContext(ctx, "Failed to parse status callback form body", "error", err)
		http.Error(w, "Invalid form body", http.StatusBadRequest)
		return
	}

	req := statusCallbackRequest{
		MessageSid:    r.PostForm.Get("MessageSid"),
		MessageStatus: r.PostForm.Get("MessageStatus"),
		ErrorCode:     r.PostForm.Get("ErrorCode"),
		ErrorMessage:  r.PostForm.Get("ErrorMessage"),
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		logger.WarnContext(ctx, "Invalid status callback payload", "error", err)
		http.Error(w, "Validation failed", http.StatusBadRequest)
		return
	}
	logger = logger.With("provider_message_id", req.MessageSid, "status", req.MessageStatus)
	logger.InfoContext(ctx, "Received delivery status callback")

	event := domain.StatusCallbackEvent{
		ProviderMessageID: req.MessageSid,
		Status:            req.MessageStatus,
		OccurredAt:        time.Now().UTC(),
	}
	if req.ErrorCode != "" {
		event.ErrorCode = &req.ErrorCode
	}
	if req.ErrorMessage != "" {
		event.ErrorMessage = &req.ErrorMessage
	}
	h.publish(ctx, logger, domain.SubjectStatusRaw, event)

	respondOK(w)
}

// HandleOutreachRequest handles POST /feedback-requests/{customerID}. It is
// the internal trigger that opens a feedback conversation after a visit.
func (h *WebhookHandler) HandleOutreachRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	customerID, err := uuid.Parse(chi.URLParam(r, "customerID"))
	if err != nil {
		logger.WarnContext(ctx, "Invalid customer id in outreach request", "error", err)
		http.Error(w, "Invalid customer id", http.StatusBadRequest)
		return
	}

	event := domain.OutreachRequestedEvent{CustomerID: customerID, RequestedAt: time.Now().UTC()}
	data, err := json.Marshal(event)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to marshal outreach event", "error", err, "customer_id", customerID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if err := h.natsClient.Publish(ctx, domain.SubjectOutreachRequested, data); err != nil {
		logger.ErrorContext(ctx, "Failed to publish outreach event", "error", err, "customer_id", customerID)
		http.Error(w, "Failed to queue feedback request", http.StatusInternalServerError)
		return
	}

	logger.InfoContext(ctx, "Feedback request queued", "customer_id", customerID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "feedback request queued"})
}

// publish sends a provider event to NATS. Failures are logged and counted
// only; the provider still gets its 200 and will redeliver the webhook.
func (h *WebhookHandler) publish(ctx context.Context, logger *slog.Logger, subject string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		webhookPublishFailuresCounter.WithLabelValues(subject).Inc()
		logger.ErrorContext(ctx, "Failed to marshal webhook event", "error", err, "subject", subject)
		return
	}
	if err := h.natsClient.Publish(ctx, subject, data); err != nil {
		webhookPublishFailuresCounter.WithLabelValues(subject).Inc()
		logger.ErrorContext(ctx, "Failed to publish webhook event to NATS", "error", err, "subject", subject)
		return
	}
	logger.InfoContext(ctx, "Webhook event published", "subject", subject)
}

func respondOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func stripWhatsAppPrefix(address string) string {
	return strings.TrimPrefix(address, "whatsapp:")
}
