package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
)

type PgMessageRepository struct {
	db     domain.Querier
	logger *slog.Logger
}

func NewPgMessageRepository(db domain.Querier, logger *slog.Logger) *PgMessageRepository {
	return &PgMessageRepository{db: db, logger: logger.With("component", "message_repository_pg")}
}

// Create inserts a message row. It accepts a Querier so inbound persistence
// and the reply row can share one transaction with the customer update.
func (r *PgMessageRepository) Create(ctx context.Context, querier domain.Querier, msg *domain.Message) (*domain.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	query := `
		INSERT INTO messages (id, customer_id, direction, body, language, template_selector, status,
		                      retry_count, max_retries, next_retry_at, provider_message_id, error_code, error_message,
		                      is_automated, sent_at, delivered_at, read_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := querier.Exec(ctx, query,
		msg.ID, msg.CustomerID, msg.Direction, msg.Body, msg.Language, msg.Template, msg.Status,
		msg.RetryCount, msg.MaxRetries, msg.NextRetryAt, msg.ProviderMessageID, msg.ErrorCode, msg.ErrorMessage,
		msg.IsAutomated, msg.SentAt, msg.DeliveredAt, msg.ReadAt, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating message", "error", err, "message_id", msg.ID, "direction", msg.Direction)
		return nil, err
	}
	return msg, nil
}

func (r *PgMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	query := `
		SELECT id, customer_id, direction, body, language, template_selector, status,
		       retry_count, max_retries, next_retry_at, provider_message_id, error_code, error_message,
		       is_automated, sent_at, delivered_at, read_at, created_at, updated_at
		FROM messages
		WHERE id = $1
	`
	msg := &domain.Message{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&msg.ID, &msg.CustomerID, &msg.Direction, &msg.Body, &msg.Language, &msg.Template, &msg.Status,
		&msg.RetryCount, &msg.MaxRetries, &msg.NextRetryAt, &msg.ProviderMessageID, &msg.ErrorCode, &msg.ErrorMessage,
		&msg.IsAutomated, &msg.SentAt, &msg.DeliveredAt, &msg.ReadAt, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting message by ID", "error", err, "message_id", id)
		return nil, err
	}
	return msg, nil
}

func (r *PgMessageRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, sentAt time.Time) error {
	query := `
		UPDATE messages
		SET status = $1, provider_message_id = $2, sent_at = $3, next_retry_at = NULL, updated_at = $4
		WHERE id = $5
	`
	tag, err := r.db.Exec(ctx, query, domain.MessageStatusSent, providerMessageID, sentAt, time.Now().UTC(), id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking message as sent", "error", err, "message_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Message not found for mark sent", "message_id", id)
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *PgMessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorCode *string, errorMessage *string) error {
	query := `
		UPDATE messages
		SET status = $1, error_code = $2, error_message = $3, next_retry_at = NULL, updated_at = $4
		WHERE id = $5
	`
	tag, err := r.db.Exec(ctx, query, domain.MessageStatusFailed, errorCode, errorMessage, time.Now().UTC(), id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking message as failed", "error", err, "message_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Message not found for mark failed", "message_id", id)
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *PgMessageRepository) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, errorMessage *string) error {
	query := `
		UPDATE messages
		SET status = $1, retry_count = $2, next_retry_at = $3, error_message = $4, updated_at = $5
		WHERE id = $6
	`
	tag, err := r.db.Exec(ctx, query, domain.MessageStatusRetryScheduled, retryCount, nextRetryAt, errorMessage, time.Now().UTC(), id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error scheduling message retry", "error", err, "message_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Message not found for retry scheduling", "message_id", id)
		return domain.ErrMessageNotFound
	}
	return nil
}

// ClaimScheduledRetry flips one retry_scheduled row back to queued. The
// status guard makes the in-process timer and the poller mutually exclusive:
// whoever flips the row first delivers it.
func (r *PgMessageRepository) ClaimScheduledRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE messages
		SET status = $1, next_retry_at = NULL, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, domain.MessageStatusQueued, time.Now().UTC(), id, domain.MessageStatusRetryScheduled)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error claiming scheduled retry", "error", err, "message_id", id)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgMessageRepository) AcquireDueRetries(ctx context.Context, dueTime time.Time, staleBefore time.Time, limit int) ([]*domain.Message, error) {
	query := `
		WITH due_message_ids AS (
			SELECT id
			FROM messages
			WHERE direction = $1
			  AND ((status = $2 AND next_retry_at <= $3) OR (status = $4 AND updated_at <= $5))
			ORDER BY COALESCE(next_retry_at, updated_at) ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		UPDATE messages m
		SET status = $4, next_retry_at = NULL, updated_at = $7
		FROM due_message_ids d
		WHERE m.id = d.id
		RETURNING m.id, m.customer_id, m.direction, m.body, m.language, m.template_selector, m.status,
		          m.retry_count, m.max_retries, m.next_retry_at, m.provider_message_id, m.error_code, m.error_message,
		          m.is_automated, m.sent_at, m.delivered_at, m.read_at, m.created_at, m.updated_at;
	`
	// $2 = retry_scheduled past its next_retry_at; $4 = queued rows untouched
	// since staleBefore (lost to a crash or a full queue). Bumping updated_at
	// keeps a claimed row out of the next sweep.
	now := time.Now().UTC()
	rows, err := r.db.Query(ctx, query,
		domain.DirectionOutbound, domain.MessageStatusRetryScheduled, dueTime,
		domain.MessageStatusQueued, staleBefore, limit, now,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error acquiring due messages", "error", err)
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg := &domain.Message{}
		if err := rows.Scan(
			&msg.ID, &msg.CustomerID, &msg.Direction, &msg.Body, &msg.Language, &msg.Template, &msg.Status,
			&msg.RetryCount, &msg.MaxRetries, &msg.NextRetryAt, &msg.ProviderMessageID, &msg.ErrorCode, &msg.ErrorMessage,
			&msg.IsAutomated, &msg.SentAt, &msg.DeliveredAt, &msg.ReadAt, &msg.CreatedAt, &msg.UpdatedAt,
		); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning acquired message row", "error", err)
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating acquired message rows", "error", err)
		return nil, err
	}

	if len(messages) == 0 {
		return nil, domain.ErrNoDueMessages
	}
	return messages, nil
}

// UpdateStatusByProviderID applies a delivery-status callback. The rank
// guard in the WHERE clause keeps late callbacks from demoting a message
// that already progressed.
func (r *PgMessageRepository) UpdateStatusByProviderID(ctx context.Context, providerMessageID string, status domain.MessageStatus, occurredAt time.Time, errorCode *string, errorMessage *string) error {
	var query string
	var tag pgconn.CommandTag
	var err error

	now := time.Now().UTC()

	switch status {
	case domain.MessageStatusDelivered:
		query = `
			UPDATE messages
			SET status = $1, delivered_at = $2, updated_at = $3
			WHERE provider_message_id = $4 AND status IN ($5, $6)
		`
		tag, err = r.db.Exec(ctx, query, status, occurredAt, now, providerMessageID,
			domain.MessageStatusQueued, domain.MessageStatusSent)
	case domain.MessageStatusRead:
		query = `
			UPDATE messages
			SET status = $1, read_at = $2, updated_at = $3
			WHERE provider_message_id = $4 AND status IN ($5, $6, $7)
		`
		tag, err = r.db.Exec(ctx, query, status, occurredAt, now, providerMessageID,
			domain.MessageStatusQueued, domain.MessageStatusSent, domain.MessageStatusDelivered)
	case domain.MessageStatusFailed:
		// A message the phone already has cannot fail afterwards.
		query = `
			UPDATE messages
			SET status = $1, error_code = $2, error_message = $3, updated_at = $4
			WHERE provider_message_id = $5 AND status NOT IN ($6, $7, $8)
		`
		tag, err = r.db.Exec(ctx, query, status, errorCode, errorMessage, now, providerMessageID,
			domain.MessageStatusDelivered, domain.MessageStatusRead, domain.MessageStatusFailed)
	case domain.MessageStatusSent:
		query = `
			UPDATE messages
			SET status = $1, updated_at = $2
			WHERE provider_message_id = $3 AND status = $4
		`
		tag, err = r.db.Exec(ctx, query, status, now, providerMessageID, domain.MessageStatusQueued)
	default:
		r.logger.WarnContext(ctx, "Ignoring unsupported callback status", "status", status, "provider_message_id", providerMessageID)
		return nil
	}

	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating message status by provider ID", "error", err, "provider_message_id", providerMessageID, "new_status", status)
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE provider_message_id = $1)`, providerMessageID).Scan(&exists); err != nil {
			r.logger.ErrorContext(ctx, "Error checking message existence for callback", "error", err, "provider_message_id", providerMessageID)
			return err
		}
		if !exists {
			return domain.ErrMessageNotFound
		}
		r.logger.DebugContext(ctx, "Ignoring non-forward status callback", "provider_message_id", providerMessageID, "status", status)
	}
	return nil
}
