package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sofrahq/feedback_services/internal/feedback_service/adapters/whatsapp"
	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
	"github.com/sofrahq/feedback_services/internal/feedback_service/ratelimit"
	"github.com/sofrahq/feedback_services/internal/feedback_service/retry"
)

// persistTimeout bounds the DB writes that record a send outcome. They run
// on a background context so a worker shutdown cannot leave an attempt
// half-recorded.
const persistTimeout = 10 * time.Second

// Dispatcher runs the delivery worker pool: workers drain the queue,
// serialize per customer, respect the rate limiter, call the provider and
// record the outcome.
type Dispatcher struct {
	logger       *slog.Logger
	queue        *Queue
	locks        *CustomerLocks
	limiter      *ratelimit.Limiter
	policy       retry.Policy
	customerRepo domain.CustomerRepository
	messageRepo  domain.MessageRepository
	provider     whatsapp.Provider
	workerCount  int
	sendTimeout  time.Duration
}

func NewDispatcher(
	logger *slog.Logger,
	queue *Queue,
	locks *CustomerLocks,
	limiter *ratelimit.Limiter,
	policy retry.Policy,
	customerRepo domain.CustomerRepository,
	messageRepo domain.MessageRepository,
	provider whatsapp.Provider,
	workerCount int,
	sendTimeout time.Duration,
) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 3
	}
	return &Dispatcher{
		logger:       logger.With("component", "delivery_dispatcher"),
		queue:        queue,
		locks:        locks,
		limiter:      limiter,
		policy:       policy,
		customerRepo: customerRepo,
		messageRepo:  messageRepo,
		provider:     provider,
		workerCount:  workerCount,
		sendTimeout:  sendTimeout,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight attempt has reached a terminal outcome. Tasks still queued at
// shutdown stay persisted and are picked up by the redelivery poller.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.InfoContext(ctx, "Starting delivery workers", "worker_count", d.workerCount)
	var wg sync.WaitGroup
	for i := 0; i < d.workerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			d.workerLoop(ctx, workerID)
		}(i)
	}
	wg.Wait()
	d.logger.Info("Delivery workers stopped", "tasks_still_queued", d.queue.Len())
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID int) {
	logger := d.logger.With("worker_id", workerID)
	for {
		task, err := d.queue.Dequeue(ctx)
		if err != nil {
			logger.Info("Delivery worker shutting down")
			return
		}
		d.deliver(ctx, task)
	}
}

// deliver runs one attempt for one task. The customer lock is held for the
// whole attempt so a conversation never has two messages in flight.
func (d *Dispatcher) deliver(ctx context.Context, task Task) {
	if err := d.locks.Acquire(ctx, task.CustomerID); err != nil {
		d.logger.InfoContext(ctx, "Shutdown while waiting for customer lock, task remains persisted", "message_id", task.MessageID)
		return
	}
	defer d.locks.Release(task.CustomerID)

	if err := d.limiter.Acquire(ctx); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			rateLimitTimeoutsCounter.Inc()
			d.logger.WarnContext(ctx, "Rate limiter timed out, rescheduling task", "message_id", task.MessageID, "retry_count", task.RetryCount)
			d.handleFailure(ctx, task, err)
			return
		}
		d.logger.InfoContext(ctx, "Shutdown while waiting for rate limiter, task remains persisted", "message_id", task.MessageID)
		return
	}

	// Past the limiter the attempt runs to completion even during
	// shutdown, so the message row always reaches a terminal outcome.
	sendCtx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.customerRepo.RecordContactAttempt(sendCtx, task.CustomerID); err != nil {
		d.logger.ErrorContext(ctx, "Failed to record contact attempt", "error", err, "customer_id", task.CustomerID)
	}

	start := time.Now()
	result, err := d.provider.Send(sendCtx, whatsapp.SendRequest{
		MessageID: task.MessageID,
		To:        task.To,
		Body:      task.Body,
	})
	providerRequestDuration.WithLabelValues(d.provider.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		d.handleFailure(ctx, task, err)
		return
	}

	persistCtx, cancelPersist := context.WithTimeout(context.Background(), persistTimeout)
	defer cancelPersist()
	if err := d.messageRepo.MarkSent(persistCtx, task.MessageID, result.ProviderMessageID, time.Now().UTC()); err != nil {
		d.logger.ErrorContext(ctx, "Failed to mark message as sent", "error", err, "message_id", task.MessageID, "provider_message_id", result.ProviderMessageID)
		return
	}
	deliveryAttemptsCounter.WithLabelValues(d.provider.Name(), "sent").Inc()
	d.logger.InfoContext(ctx, "Message sent", "message_id", task.MessageID, "provider_message_id", result.ProviderMessageID, "retry_count", task.RetryCount)
}

// handleFailure records a failed attempt: transient failures with retries
// left are parked as retry_scheduled and requeued after the backoff delay,
// everything else is marked failed terminally.
func (d *Dispatcher) handleFailure(ctx context.Context, task Task, sendErr error) {
	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var errorCode *string
	var provErr *whatsapp.SendError
	if errors.As(sendErr, &provErr) && provErr.Code != "" {
		errorCode = &provErr.Code
	}
	errorMessage := sendErr.Error()

	retryable := whatsapp.Retryable(sendErr)
	if retryable && d.policy.ShouldRetry(task.RetryCount, task.MaxRetries) {
		delay := d.policy.NextDelay(task.RetryCount)
		newCount := task.RetryCount + 1
		nextRetryAt := time.Now().UTC().Add(delay)
		if err := d.messageRepo.ScheduleRetry(persistCtx, task.MessageID, newCount, nextRetryAt, &errorMessage); err != nil {
			d.logger.ErrorContext(ctx, "Failed to schedule retry, message stays queued for the poller", "error", err, "message_id", task.MessageID)
			return
		}
		deliveryAttemptsCounter.WithLabelValues(d.provider.Name(), "retry_scheduled").Inc()
		d.logger.WarnContext(ctx, "Send failed, retry scheduled", "message_id", task.MessageID, "retry_count", newCount, "next_retry_at", nextRetryAt, "error", errorMessage)
		d.scheduleRequeue(ctx, task, newCount, delay)
		return
	}

	outcome := "failed_permanent"
	if retryable {
		outcome = "failed_exhausted"
	}
	if err := d.messageRepo.MarkFailed(persistCtx, task.MessageID, errorCode, &errorMessage); err != nil {
		d.logger.ErrorContext(ctx, "Failed to mark message as failed", "error", err, "message_id", task.MessageID)
		return
	}
	deliveryAttemptsCounter.WithLabelValues(d.provider.Name(), outcome).Inc()
	d.logger.ErrorContext(ctx, "Delivery failed terminally", "message_id", task.MessageID, "outcome", outcome, "retry_count", task.RetryCount, "error", errorMessage)
}

// scheduleRequeue arms the in-process timer for a scheduled retry. The row
// must be claimed back before enqueueing so the poller and the timer never
// both deliver it. If the process dies first, the poller finds the row by
// next_retry_at.
func (d *Dispatcher) scheduleRequeue(ctx context.Context, task Task, newCount int, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		claimCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		claimed, err := d.messageRepo.ClaimScheduledRetry(claimCtx, task.MessageID)
		if err != nil {
			d.logger.Error("Failed to claim scheduled retry", "error", err, "message_id", task.MessageID)
			return
		}
		if !claimed {
			return
		}
		requeued := task
		requeued.RetryCount = newCount
		if err := d.queue.Enqueue(requeued); err != nil {
			d.logger.Warn("Queue full on retry requeue, poller will pick the message up", "message_id", task.MessageID)
		}
	})
}
