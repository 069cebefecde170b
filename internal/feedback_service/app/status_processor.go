package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
)

// StatusProcessor applies provider delivery-status callbacks to outbound
// message rows.
type StatusProcessor struct {
	messageRepo domain.MessageRepository
	logger      *slog.Logger
}

func NewStatusProcessor(messageRepo domain.MessageRepository, logger *slog.Logger) *StatusProcessor {
	return &StatusProcessor{
		messageRepo: messageRepo,
		logger:      logger.With("component", "status_processor"),
	}
}

// ProcessStatus updates the message identified by the callback's provider
// message id. Unknown ids and unknown statuses are logged and dropped, not
// errors: the provider also sends callbacks for messages we did not send
// (e.g. templates sent from the provider console).
func (p *StatusProcessor) ProcessStatus(ctx context.Context, event domain.StatusCallbackEvent) error {
	logger := p.logger.With("provider_message_id", event.ProviderMessageID, "status", event.Status)

	status, ok := mapCallbackStatus(event.Status)
	if !ok {
		statusCallbacksCounter.WithLabelValues(event.Status, "unknown_status").Inc()
		logger.WarnContext(ctx, "Unknown delivery status in callback, dropping")
		return nil
	}

	err := p.messageRepo.UpdateStatusByProviderID(ctx, event.ProviderMessageID, status, event.OccurredAt, event.ErrorCode, event.ErrorMessage)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			statusCallbacksCounter.WithLabelValues(event.Status, "unknown_message").Inc()
			logger.WarnContext(ctx, "Delivery status callback for unknown message, dropping")
			return nil
		}
		statusCallbacksCounter.WithLabelValues(event.Status, "error").Inc()
		return fmt.Errorf("applying status callback for %s: %w", event.ProviderMessageID, err)
	}

	statusCallbacksCounter.WithLabelValues(event.Status, "applied").Inc()
	logger.InfoContext(ctx, "Delivery status applied")
	return nil
}

func mapCallbackStatus(status string) (domain.MessageStatus, bool) {
	switch status {
	case "sent":
		return domain.MessageStatusSent, true
	case "delivered":
		return domain.MessageStatusDelivered, true
	case "read":
		return domain.MessageStatusRead, true
	case "failed", "undelivered":
		return domain.MessageStatusFailed, true
	default:
		return "", false
	}
}
