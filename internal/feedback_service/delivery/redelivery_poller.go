package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
)

// RedeliveryPollerConfig tunes one poll cycle.
type RedeliveryPollerConfig struct {
	BatchSize  int
	StaleAfter time.Duration
}

// RedeliveryPoller sweeps the messages table for work the in-process
// timers lost: scheduled retries that came due and queued rows orphaned by
// a crash or a full queue. Claimed rows go back into the delivery queue.
type RedeliveryPoller struct {
	logger       *slog.Logger
	messageRepo  domain.MessageRepository
	customerRepo domain.CustomerRepository
	queue        *Queue
	config       RedeliveryPollerConfig
}

func NewRedeliveryPoller(
	logger *slog.Logger,
	messageRepo domain.MessageRepository,
	customerRepo domain.CustomerRepository,
	queue *Queue,
	config RedeliveryPollerConfig,
) *RedeliveryPoller {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &RedeliveryPoller{
		logger:       logger.With("component", "redelivery_poller"),
		messageRepo:  messageRepo,
		customerRepo: customerRepo,
		queue:        queue,
		config:       config,
	}
}

// PollAndRedeliver claims one batch of due messages and enqueues them.
// Returns the number of messages handed to the queue.
func (p *RedeliveryPoller) PollAndRedeliver(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.config.StaleAfter)
	messages, err := p.messageRepo.AcquireDueRetries(ctx, now, staleBefore, p.config.BatchSize)
	if err != nil {
		if errors.Is(err, domain.ErrNoDueMessages) {
			p.logger.InfoContext(ctx, "No messages due for redelivery in this poll cycle.")
			return 0, nil
		}
		p.logger.ErrorContext(ctx, "Failed to acquire due messages", "error", err)
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}
	p.logger.InfoContext(ctx, "Acquired messages for redelivery", "count", len(messages))

	redelivered := 0
	for _, msg := range messages {
		customer, err := p.customerRepo.GetByID(ctx, msg.CustomerID)
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to load customer for redelivery", "error", err, "message_id", msg.ID, "customer_id", msg.CustomerID)
			continue
		}
		task := Task{
			MessageID:  msg.ID,
			CustomerID: msg.CustomerID,
			To:         customer.PhoneNumber,
			Body:       msg.Body,
			RetryCount: msg.RetryCount,
			MaxRetries: msg.MaxRetries,
		}
		if err := p.queue.Enqueue(task); err != nil {
			p.logger.WarnContext(ctx, "Queue full during redelivery, remaining messages wait for the next sweep", "message_id", msg.ID, "enqueued", redelivered)
			break
		}
		redelivered++
		redeliveredCounter.Inc()
	}
	return redelivered, nil
}
