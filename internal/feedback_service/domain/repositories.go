package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is implemented by *pgxpool.Pool and pgx.Tx, so repository methods
// can run standalone or inside a transaction the caller controls.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner starts transactions; *pgxpool.Pool satisfies it and is what
// services hand to pgx.BeginFunc.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CustomerRepository persists customer conversation state.
type CustomerRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Customer, error)
	GetByPhone(ctx context.Context, phoneNumber string) (*Customer, error)
	Create(ctx context.Context, customer *Customer) (*Customer, error)

	// UpdateConversationState persists the fields the state machine mutates:
	// status, rating, sentiment, feedback text, follow-up flags, review bookkeeping.
	UpdateConversationState(ctx context.Context, querier Querier, customer *Customer) error

	// RecordContactAttempt increments the attempt counter and promotes a
	// still pending customer to contacted. Called once per outbound send
	// attempt, successful or not.
	RecordContactAttempt(ctx context.Context, customerID uuid.UUID) error
}

// MessageRepository persists inbound and outbound WhatsApp messages.
type MessageRepository interface {
	Create(ctx context.Context, querier Querier, msg *Message) (*Message, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)

	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorCode *string, errorMessage *string) error

	// ScheduleRetry records a transient failure: bumps retry_count and parks
	// the row as retry_scheduled until nextRetryAt.
	ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, errorMessage *string) error

	// ClaimScheduledRetry flips a single retry_scheduled row back to queued.
	// Returns false when the row was already claimed elsewhere.
	ClaimScheduledRetry(ctx context.Context, id uuid.UUID) (bool, error)

	// AcquireDueRetries claims up to limit rows ready for redelivery:
	// retry_scheduled rows whose next_retry_at has passed, plus queued rows
	// untouched since staleBefore (lost to a crash or a full queue). Claimed
	// rows are flipped to queued. Returns ErrNoDueMessages when nothing is
	// due.
	AcquireDueRetries(ctx context.Context, dueTime time.Time, staleBefore time.Time, limit int) ([]*Message, error)

	// UpdateStatusByProviderID applies a delivery-status callback. Forward
	// transitions only; returns ErrMessageNotFound for unknown provider ids.
	UpdateStatusByProviderID(ctx context.Context, providerMessageID string, status MessageStatus, occurredAt time.Time, errorCode *string, errorMessage *string) error
}

// ProcessedEventRepository tracks which provider message ids have completed
// a reply cycle, making webhook ingestion idempotent.
type ProcessedEventRepository interface {
	IsProcessed(ctx context.Context, providerMessageID string) (bool, error)
	MarkProcessed(ctx context.Context, querier Querier, providerMessageID string, receivedAt time.Time) error
}
