package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
)

type PgProcessedEventRepository struct {
	db     domain.Querier
	logger *slog.Logger
}

func NewPgProcessedEventRepository(db domain.Querier, logger *slog.Logger) *PgProcessedEventRepository {
	return &PgProcessedEventRepository{db: db, logger: logger.With("component", "processed_event_repository_pg")}
}

func (r *PgProcessedEventRepository) IsProcessed(ctx context.Context, providerMessageID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM processed_webhook_events WHERE provider_message_id = $1)`
	var processed bool
	if err := r.db.QueryRow(ctx, query, providerMessageID).Scan(&processed); err != nil {
		r.logger.ErrorContext(ctx, "Error checking processed webhook event", "error", err, "provider_message_id", providerMessageID)
		return false, err
	}
	return processed, nil
}

// MarkProcessed records a completed reply cycle. ON CONFLICT DO NOTHING
// makes the write idempotent under concurrent duplicate webhooks; it joins
// the reply transaction via the Querier.
func (r *PgProcessedEventRepository) MarkProcessed(ctx context.Context, querier domain.Querier, providerMessageID string, receivedAt time.Time) error {
	query := `
		INSERT INTO processed_webhook_events (provider_message_id, received_at, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider_message_id) DO NOTHING
	`
	if _, err := querier.Exec(ctx, query, providerMessageID, receivedAt, time.Now().UTC()); err != nil {
		r.logger.ErrorContext(ctx, "Error marking webhook event as processed", "error", err, "provider_message_id", providerMessageID)
		return err
	}
	return nil
}
