package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sofrahq/feedback_services/internal/feedback_service/conversation"
	"github.com/sofrahq/feedback_services/internal/feedback_service/delivery"
	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
)

// HandleOutreach opens a feedback conversation: it renders the post-visit
// rating request for the customer and queues it for delivery. Customers who
// opted out, spent their contact budget, or already replied are skipped.
func (o *Orchestrator) HandleOutreach(ctx context.Context, event domain.OutreachRequestedEvent) error {
	logger := o.logger.With("customer_id", event.CustomerID)

	if err := o.locks.Acquire(ctx, event.CustomerID); err != nil {
		outreachCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("acquiring customer lock: %w", err)
	}
	defer o.locks.Release(event.CustomerID)

	customer, err := o.customerRepo.GetByID(ctx, event.CustomerID)
	if err != nil {
		if errors.Is(err, domain.ErrCustomerNotFound) {
			outreachCounter.WithLabelValues("skipped").Inc()
			logger.WarnContext(ctx, "Outreach requested for unknown customer, skipping")
			return nil
		}
		outreachCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("loading customer: %w", err)
	}

	if customer.Status == domain.CustomerStatusResponded || customer.Status == domain.CustomerStatusClosed {
		outreachCounter.WithLabelValues("skipped").Inc()
		logger.InfoContext(ctx, "Customer already responded, skipping outreach", "status", customer.Status)
		return nil
	}
	if !customer.CanBeContacted() {
		outreachCounter.WithLabelValues("skipped").Inc()
		logger.InfoContext(ctx, "Customer cannot be contacted, skipping outreach",
			"whatsapp_opt_in", customer.WhatsAppOptIn,
			"contact_attempts", customer.ContactAttempts,
			"max_contact_attempts", customer.MaxContactAttempts,
		)
		return nil
	}

	body, err := o.renderer.Render(conversation.TemplateFeedbackRequest, customer)
	if err != nil {
		outreachCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("rendering feedback request template: %w", err)
	}

	templateName := string(conversation.TemplateFeedbackRequest)
	request := &domain.Message{
		ID:          uuid.New(),
		CustomerID:  customer.ID,
		Direction:   domain.DirectionOutbound,
		Body:        body,
		Language:    customer.PreferredLanguage,
		Template:    &templateName,
		Status:      domain.MessageStatusQueued,
		MaxRetries:  o.maxRetries,
		IsAutomated: true,
	}

	err = pgx.BeginFunc(ctx, o.txBeginner, func(tx pgx.Tx) error {
		if _, err := o.messageRepo.Create(ctx, tx, request); err != nil {
			return fmt.Errorf("persisting outreach message: %w", err)
		}
		if customer.Status == domain.CustomerStatusPending {
			customer.Status = domain.CustomerStatusContacted
			if err := o.customerRepo.UpdateConversationState(ctx, tx, customer); err != nil {
				return fmt.Errorf("persisting contacted status: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		outreachCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("outreach transaction: %w", err)
	}

	if err := o.queue.Enqueue(delivery.Task{
		MessageID:  request.ID,
		CustomerID: customer.ID,
		To:         customer.PhoneNumber,
		Body:       body,
		MaxRetries: o.maxRetries,
	}); err != nil {
		replyQueueFullCounter.Inc()
		logger.WarnContext(ctx, "Delivery queue full, outreach deferred to redelivery poller", "message_id", request.ID)
	}

	outreachCounter.WithLabelValues("sent").Inc()
	logger.InfoContext(ctx, "Outreach message queued", "message_id", request.ID, "language", customer.PreferredLanguage)
	return nil
}
