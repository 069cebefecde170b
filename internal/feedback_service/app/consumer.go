package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
	"github.com/sofrahq/feedback_services/internal/platform/messagebroker"
)

const (
	queueGroupInbound  = "feedback_processors"
	queueGroupStatus   = "status_processors"
	queueGroupOutreach = "outreach_processors"

	// handoffTimeout bounds how long a NATS callback may wait to hand an
	// event to a worker before dropping it; the provider redelivers.
	handoffTimeout = 5 * time.Second

	// handleTimeout bounds one event's full processing, including waiting
	// for the customer lock.
	handleTimeout = 30 * time.Second
)

// EventConsumer joins the NATS subjects to the orchestrator and the status
// processor. Subscription callbacks only deserialize and hand off; a bounded
// pool of workers does the actual processing so distinct customers proceed
// concurrently while the customer lock serializes same-customer work.
type EventConsumer struct {
	broker          messagebroker.Client
	orchestrator    *Orchestrator
	statusProcessor *StatusProcessor
	logger          *slog.Logger
	workerCount     int

	inboundCh  chan domain.InboundMessageEvent
	statusCh   chan domain.StatusCallbackEvent
	outreachCh chan domain.OutreachRequestedEvent
}

func NewEventConsumer(
	broker messagebroker.Client,
	orchestrator *Orchestrator,
	statusProcessor *StatusProcessor,
	logger *slog.Logger,
	workerCount int,
) *EventConsumer {
	if workerCount <= 0 {
		workerCount = 4
	}
	return &EventConsumer{
		broker:          broker,
		orchestrator:    orchestrator,
		statusProcessor: statusProcessor,
		logger:          logger.With("component", "event_consumer"),
		workerCount:     workerCount,
		inboundCh:       make(chan domain.InboundMessageEvent, 100),
		statusCh:        make(chan domain.StatusCallbackEvent, 100),
		outreachCh:      make(chan domain.OutreachRequestedEvent, 100),
	}
}

// Run subscribes to all subjects and blocks until ctx is cancelled and the
// workers have drained their in-flight events.
func (c *EventConsumer) Run(ctx context.Context) error {
	subs := make([]messagebroker.Subscription, 0, 3)
	defer func() {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				c.logger.Warn("Failed to unsubscribe", "error", err)
			}
		}
	}()

	sub, err := c.broker.SubscribeToSubjectWithQueue(ctx, domain.SubjectInboundRaw, queueGroupInbound, func(msg messagebroker.Message) {
		handoff(ctx, c.logger, msg, c.inboundCh, handoffTimeout)
	})
	if err != nil {
		return err
	}
	subs = append(subs, sub)

	sub, err = c.broker.SubscribeToSubjectWithQueue(ctx, domain.SubjectStatusRaw, queueGroupStatus, func(msg messagebroker.Message) {
		handoff(ctx, c.logger, msg, c.statusCh, handoffTimeout)
	})
	if err != nil {
		return err
	}
	subs = append(subs, sub)

	// Outreach requests have no provider-side redelivery, so their handoff
	// never times out: it waits for a worker as long as the consumer runs
	// and NATS buffers the subject behind the blocked callback.
	sub, err = c.broker.SubscribeToSubjectWithQueue(ctx, domain.SubjectOutreachRequested, queueGroupOutreach, func(msg messagebroker.Message) {
		handoff(ctx, c.logger, msg, c.outreachCh, 0)
	})
	if err != nil {
		return err
	}
	subs = append(subs, sub)

	c.logger.InfoContext(ctx, "Event consumer started", "worker_count", c.workerCount)

	var wg sync.WaitGroup
	for i := 0; i < c.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.workerLoop(ctx)
		}()
	}
	wg.Wait()
	c.logger.Info("Event consumer stopped")
	return ctx.Err()
}

func (c *EventConsumer) workerLoop(ctx context.Context) {
	for {
		select {
		case event := <-c.inboundCh:
			c.handleInbound(ctx, event)
		case event := <-c.statusCh:
			c.handleStatus(ctx, event)
		case event := <-c.outreachCh:
			c.handleOutreach(ctx, event)
		case <-ctx.Done():
			return
		}
	}
}

func (c *EventConsumer) handleInbound(ctx context.Context, event domain.InboundMessageEvent) {
	handleCtx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	if _, err := c.orchestrator.HandleInbound(handleCtx, event); err != nil {
		c.logger.ErrorContext(handleCtx, "Failed to process inbound message",
			"error", err, "provider_message_id", event.ProviderMessageID, "from", event.From)
	}
}

func (c *EventConsumer) handleStatus(ctx context.Context, event domain.StatusCallbackEvent) {
	handleCtx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	if err := c.statusProcessor.ProcessStatus(handleCtx, event); err != nil {
		c.logger.ErrorContext(handleCtx, "Failed to process status callback",
			"error", err, "provider_message_id", event.ProviderMessageID, "status", event.Status)
	}
}

func (c *EventConsumer) handleOutreach(ctx context.Context, event domain.OutreachRequestedEvent) {
	handleCtx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	if err := c.orchestrator.HandleOutreach(handleCtx, event); err != nil {
		c.logger.ErrorContext(handleCtx, "Failed to process outreach request",
			"error", err, "customer_id", event.CustomerID)
	}
}

// handoff deserializes one NATS message and passes it to the worker pool. A
// positive timeout bounds the wait and drops the event when it elapses;
// inbound and status events tolerate that because the provider's webhook
// retry redelivers them and the dedup layer absorbs the duplicates. A zero
// timeout waits until a worker frees up or the consumer shuts down.
func handoff[T any](ctx context.Context, logger *slog.Logger, msg messagebroker.Message, ch chan<- T, timeout time.Duration) {
	natsEventsReceivedCounter.WithLabelValues(msg.Subject()).Inc()

	var event T
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		logger.ErrorContext(ctx, "Failed to deserialize NATS event",
			"error", err, "subject", msg.Subject(), "data_len", len(msg.Data()))
		return
	}

	sendCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case ch <- event:
	case <-sendCtx.Done():
		logger.WarnContext(ctx, "Event not handed off to workers, dropping", "subject", msg.Subject())
	}
}
