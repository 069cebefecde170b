package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sofrahq/feedback_services/internal/feedback_service/classify"
	"github.com/sofrahq/feedback_services/internal/feedback_service/conversation"
	"github.com/sofrahq/feedback_services/internal/feedback_service/delivery"
	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
	"github.com/sofrahq/feedback_services/internal/platform/messagebroker"
)

// ProcessingResult reports what one inbound message produced.
type ProcessingResult struct {
	// Duplicate is true when the provider message id was already processed
	// and the event was a no-op.
	Duplicate      bool
	CustomerID     uuid.UUID
	Template       conversation.TemplateSelector
	ReplyMessageID uuid.UUID
	// ReplyEnqueued is false when the reply row was persisted but the
	// delivery queue was full; the redelivery poller picks it up later.
	ReplyEnqueued   bool
	FollowUpFlagged bool
}

// Orchestrator runs one full reply cycle per inbound customer message:
// dedup, classify, advance the conversation, persist, enqueue the reply.
type Orchestrator struct {
	logger        *slog.Logger
	classifier    *classify.Classifier
	stateMachine  *conversation.StateMachine
	renderer      *conversation.Renderer
	customerRepo  domain.CustomerRepository
	messageRepo   domain.MessageRepository
	processedRepo domain.ProcessedEventRepository
	txBeginner    domain.TxBeginner
	queue         *delivery.Queue
	locks         *delivery.CustomerLocks
	broker        messagebroker.Client

	defaultLanguage domain.Language
	maxRetries      int
}

func NewOrchestrator(
	logger *slog.Logger,
	classifier *classify.Classifier,
	stateMachine *conversation.StateMachine,
	renderer *conversation.Renderer,
	customerRepo domain.CustomerRepository,
	messageRepo domain.MessageRepository,
	processedRepo domain.ProcessedEventRepository,
	txBeginner domain.TxBeginner,
	queue *delivery.Queue,
	locks *delivery.CustomerLocks,
	broker messagebroker.Client,
	defaultLanguage domain.Language,
	maxRetries int,
) *Orchestrator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Orchestrator{
		logger:          logger.With("component", "orchestrator"),
		classifier:      classifier,
		stateMachine:    stateMachine,
		renderer:        renderer,
		customerRepo:    customerRepo,
		messageRepo:     messageRepo,
		processedRepo:   processedRepo,
		txBeginner:      txBeginner,
		queue:           queue,
		locks:           locks,
		broker:          broker,
		defaultLanguage: defaultLanguage,
		maxRetries:      maxRetries,
	}
}

// HandleInbound processes one inbound webhook event. A persistence failure
// returns an error before the processed marker is written, so a provider
// redelivery retries the whole cycle; a duplicate delivery is a no-op.
func (o *Orchestrator) HandleInbound(ctx context.Context, event domain.InboundMessageEvent) (ProcessingResult, error) {
	logger := o.logger.With("provider_message_id", event.ProviderMessageID, "from", event.From)

	// Fast-path dedup before any locking; checked again under the customer
	// lock because two deliveries of the same id can race past this check.
	processed, err := o.processedRepo.IsProcessed(ctx, event.ProviderMessageID)
	if err != nil {
		inboundProcessedCounter.WithLabelValues("error").Inc()
		return ProcessingResult{}, fmt.Errorf("checking processed marker: %w", err)
	}
	if processed {
		logger.InfoContext(ctx, "Duplicate inbound delivery, skipping")
		inboundProcessedCounter.WithLabelValues("duplicate").Inc()
		return ProcessingResult{Duplicate: true}, nil
	}

	customer, err := o.findOrCreateCustomer(ctx, event.From)
	if err != nil {
		inboundProcessedCounter.WithLabelValues("error").Inc()
		return ProcessingResult{}, fmt.Errorf("loading customer for %s: %w", event.From, err)
	}
	logger = logger.With("customer_id", customer.ID)

	// The customer lock serializes the whole reply cycle with other inbound
	// messages and with outreach for the same customer, so two concurrent
	// replies cannot race on the rating and sentiment fields.
	if err := o.locks.Acquire(ctx, customer.ID); err != nil {
		inboundProcessedCounter.WithLabelValues("error").Inc()
		return ProcessingResult{}, fmt.Errorf("acquiring customer lock: %w", err)
	}
	defer o.locks.Release(customer.ID)

	processed, err = o.processedRepo.IsProcessed(ctx, event.ProviderMessageID)
	if err != nil {
		inboundProcessedCounter.WithLabelValues("error").Inc()
		return ProcessingResult{}, fmt.Errorf("re-checking processed marker: %w", err)
	}
	if processed {
		logger.InfoContext(ctx, "Duplicate inbound delivery detected under customer lock, skipping")
		inboundProcessedCounter.WithLabelValues("duplicate").Inc()
		return ProcessingResult{Duplicate: true}, nil
	}

	// The pre-lock snapshot is stale if another reply for this customer
	// committed while this one waited; the state machine must advance from
	// the row as it is now, or it would re-run the rating transition and
	// overwrite the first reply's rating and follow-up flag.
	fresh, err := o.customerRepo.GetByID(ctx, customer.ID)
	if err != nil {
		inboundProcessedCounter.WithLabelValues("error").Inc()
		return ProcessingResult{}, fmt.Errorf("reloading customer %s under lock: %w", customer.ID, err)
	}
	customer = fresh

	cls := o.classifier.Classify(event.Body, customer.PreferredLanguage)
	outcome := o.stateMachine.Advance(customer, cls, event.Body)
	logger.InfoContext(ctx, "Inbound message classified",
		"kind", cls.Kind, "rating", cls.Rating, "sentiment", cls.Sentiment,
		"template", outcome.Template, "state_changed", outcome.StateChanged,
	)

	replyBody, err := o.renderer.Render(outcome.Template, customer)
	if err != nil {
		inboundProcessedCounter.WithLabelValues("error").Inc()
		return ProcessingResult{}, fmt.Errorf("rendering reply template: %w", err)
	}

	templateName := string(outcome.Template)
	reply := &domain.Message{
		ID:          uuid.New(),
		CustomerID:  customer.ID,
		Direction:   domain.DirectionOutbound,
		Body:        replyBody,
		Language:    customer.PreferredLanguage,
		Template:    &templateName,
		Status:      domain.MessageStatusQueued,
		MaxRetries:  o.maxRetries,
		IsAutomated: true,
	}
	inbound := &domain.Message{
		ID:                uuid.New(),
		CustomerID:        customer.ID,
		Direction:         domain.DirectionInbound,
		Body:              event.Body,
		Language:          customer.PreferredLanguage,
		Status:            domain.MessageStatusReceived,
		ProviderMessageID: &event.ProviderMessageID,
	}

	// One transaction covers the whole reply cycle. The processed marker is
	// the last write: if anything before it fails, the event stays
	// unprocessed and the provider's redelivery retries cleanly.
	err = pgx.BeginFunc(ctx, o.txBeginner, func(tx pgx.Tx) error {
		if _, err := o.messageRepo.Create(ctx, tx, inbound); err != nil {
			return fmt.Errorf("persisting inbound message: %w", err)
		}
		if outcome.StateChanged {
			if err := o.customerRepo.UpdateConversationState(ctx, tx, customer); err != nil {
				return fmt.Errorf("persisting conversation state: %w", err)
			}
		}
		if _, err := o.messageRepo.Create(ctx, tx, reply); err != nil {
			return fmt.Errorf("persisting reply message: %w", err)
		}
		return o.processedRepo.MarkProcessed(ctx, tx, event.ProviderMessageID, event.ReceivedAt)
	})
	if err != nil {
		inboundProcessedCounter.WithLabelValues("error").Inc()
		return ProcessingResult{}, fmt.Errorf("reply cycle transaction: %w", err)
	}

	result := ProcessingResult{
		CustomerID:      customer.ID,
		Template:        outcome.Template,
		ReplyMessageID:  reply.ID,
		ReplyEnqueued:   true,
		FollowUpFlagged: outcome.NewlyFlagged,
	}

	if err := o.queue.Enqueue(delivery.Task{
		MessageID:  reply.ID,
		CustomerID: customer.ID,
		To:         customer.PhoneNumber,
		Body:       replyBody,
		MaxRetries: o.maxRetries,
	}); err != nil {
		// Backpressure, not failure: the reply row is committed as queued
		// and the redelivery poller enqueues it once the queue drains.
		if errors.Is(err, delivery.ErrQueueFull) {
			replyQueueFullCounter.Inc()
			logger.WarnContext(ctx, "Delivery queue full, reply deferred to redelivery poller", "reply_message_id", reply.ID)
			result.ReplyEnqueued = false
		} else {
			logger.ErrorContext(ctx, "Failed to enqueue reply", "error", err, "reply_message_id", reply.ID)
			result.ReplyEnqueued = false
		}
	}

	if outcome.NewlyFlagged {
		followUpFlaggedCounter.Inc()
		o.publishFollowUp(ctx, customer)
	}

	inboundProcessedCounter.WithLabelValues("processed").Inc()
	logger.InfoContext(ctx, "Inbound message processed",
		"reply_message_id", reply.ID, "template", outcome.Template,
		"reply_enqueued", result.ReplyEnqueued, "follow_up_flagged", outcome.NewlyFlagged,
	)
	return result, nil
}

// findOrCreateCustomer resolves the sender. Unknown callers get a minimal
// record so the conversation can still be acknowledged and audited.
func (o *Orchestrator) findOrCreateCustomer(ctx context.Context, phoneNumber string) (*domain.Customer, error) {
	customer, err := o.customerRepo.GetByPhone(ctx, phoneNumber)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, domain.ErrCustomerNotFound) {
		return nil, err
	}

	suffix := phoneNumber
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	created, err := o.customerRepo.Create(ctx, &domain.Customer{
		ID:                 uuid.New(),
		CustomerNumber:     "WA-" + suffix,
		PhoneNumber:        phoneNumber,
		PreferredLanguage:  o.defaultLanguage,
		WhatsAppOptIn:      true,
		Status:             domain.CustomerStatusContacted,
		MaxContactAttempts: 3,
	})
	if err != nil {
		// A concurrent event for the same unknown number may have won the
		// insert; the row it created is the one to use.
		if existing, lookupErr := o.customerRepo.GetByPhone(ctx, phoneNumber); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}
	o.logger.InfoContext(ctx, "Created customer record for unknown caller", "customer_id", created.ID, "customer_number", created.CustomerNumber)
	return created, nil
}

// publishFollowUp notifies staff tooling. Publish failures are logged only;
// the requires_follow_up flag is already persisted and staff dashboards read
// it from the database.
func (o *Orchestrator) publishFollowUp(ctx context.Context, customer *domain.Customer) {
	sentiment := domain.SentimentNegative
	if customer.FeedbackSentiment != nil {
		sentiment = *customer.FeedbackSentiment
	}
	payload, err := json.Marshal(domain.FollowUpEvent{
		CustomerID:  customer.ID,
		PhoneNumber: customer.PhoneNumber,
		Rating:      customer.Rating,
		Sentiment:   sentiment,
		Notes:       customer.FollowUpNotes,
		FlaggedAt:   time.Now().UTC(),
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "Failed to marshal follow-up event", "error", err, "customer_id", customer.ID)
		return
	}
	if err := o.broker.Publish(ctx, domain.SubjectFollowUpRequired, payload); err != nil {
		o.logger.ErrorContext(ctx, "Failed to publish follow-up event", "error", err, "customer_id", customer.ID)
	}
}
