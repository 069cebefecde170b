package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
)

type PgCustomerRepository struct {
	db     domain.Querier
	logger *slog.Logger
}

func NewPgCustomerRepository(db domain.Querier, logger *slog.Logger) *PgCustomerRepository {
	return &PgCustomerRepository{db: db, logger: logger.With("component", "customer_repository_pg")}
}

func (r *PgCustomerRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	query := `
		SELECT id, customer_number, name, phone_number, preferred_language, whatsapp_opt_in, status,
		       contact_attempts, max_contact_attempts, rating, feedback_sentiment, feedback_text, responded_at,
		       requires_follow_up, follow_up_notes, issue_resolved, google_review_requested_at, google_review_link_sent,
		       created_at, updated_at
		FROM customers
		WHERE id = $1
	`
	customer := &domain.Customer{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&customer.ID, &customer.CustomerNumber, &customer.Name, &customer.PhoneNumber, &customer.PreferredLanguage,
		&customer.WhatsAppOptIn, &customer.Status, &customer.ContactAttempts, &customer.MaxContactAttempts,
		&customer.Rating, &customer.FeedbackSentiment, &customer.FeedbackText, &customer.RespondedAt,
		&customer.RequiresFollowUp, &customer.FollowUpNotes, &customer.IssueResolved,
		&customer.GoogleReviewRequestedAt, &customer.GoogleReviewLinkSent, &customer.CreatedAt, &customer.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCustomerNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting customer by ID", "error", err, "customer_id", id)
		return nil, err
	}
	return customer, nil
}

func (r *PgCustomerRepository) GetByPhone(ctx context.Context, phoneNumber string) (*domain.Customer, error) {
	query := `
		SELECT id, customer_number, name, phone_number, preferred_language, whatsapp_opt_in, status,
		       contact_attempts, max_contact_attempts, rating, feedback_sentiment, feedback_text, responded_at,
		       requires_follow_up, follow_up_notes, issue_resolved, google_review_requested_at, google_review_link_sent,
		       created_at, updated_at
		FROM customers
		WHERE phone_number = $1
	`
	customer := &domain.Customer{}
	err := r.db.QueryRow(ctx, query, phoneNumber).Scan(
		&customer.ID, &customer.CustomerNumber, &customer.Name, &customer.PhoneNumber, &customer.PreferredLanguage,
		&customer.WhatsAppOptIn, &customer.Status, &customer.ContactAttempts, &customer.MaxContactAttempts,
		&customer.Rating, &customer.FeedbackSentiment, &customer.FeedbackText, &customer.RespondedAt,
		&customer.RequiresFollowUp, &customer.FollowUpNotes, &customer.IssueResolved,
		&customer.GoogleReviewRequestedAt, &customer.GoogleReviewLinkSent, &customer.CreatedAt, &customer.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCustomerNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting customer by phone", "error", err, "phone_number", phoneNumber)
		return nil, err
	}
	return customer, nil
}

func (r *PgCustomerRepository) Create(ctx context.Context, customer *domain.Customer) (*domain.Customer, error) {
	if customer.ID == uuid.Nil {
		customer.ID = uuid.New()
	}
	now := time.Now().UTC()
	customer.CreatedAt = now
	customer.UpdatedAt = now

	query := `
		INSERT INTO customers (id, customer_number, name, phone_number, preferred_language, whatsapp_opt_in, status,
		                       contact_attempts, max_contact_attempts, rating, feedback_sentiment, feedback_text, responded_at,
		                       requires_follow_up, follow_up_notes, issue_resolved, google_review_requested_at, google_review_link_sent,
		                       created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := r.db.Exec(ctx, query,
		customer.ID, customer.CustomerNumber, customer.Name, customer.PhoneNumber, customer.PreferredLanguage,
		customer.WhatsAppOptIn, customer.Status, customer.ContactAttempts, customer.MaxContactAttempts,
		customer.Rating, customer.FeedbackSentiment, customer.FeedbackText, customer.RespondedAt,
		customer.RequiresFollowUp, customer.FollowUpNotes, customer.IssueResolved,
		customer.GoogleReviewRequestedAt, customer.GoogleReviewLinkSent, customer.CreatedAt, customer.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating customer", "error", err, "customer_id", customer.ID)
		return nil, err
	}
	r.logger.InfoContext(ctx, "Customer created", "customer_id", customer.ID, "phone_number", customer.PhoneNumber)
	return customer, nil
}

// UpdateConversationState persists the fields the state machine mutates. It
// accepts a Querier so the write can join the transaction that records the
// triggering message. The update only touches open rows: once a conversation
// is closed its recorded rating and follow-up flag are final, and a write
// racing in from another process hits zero rows instead of overwriting them.
func (r *PgCustomerRepository) UpdateConversationState(ctx context.Context, querier domain.Querier, customer *domain.Customer) error {
	query := `
		UPDATE customers
		SET status = $1, rating = $2, feedback_sentiment = $3, feedback_text = $4, responded_at = $5,
		    requires_follow_up = $6, follow_up_notes = $7, issue_resolved = $8,
		    google_review_requested_at = $9, google_review_link_sent = $10, updated_at = $11
		WHERE id = $12 AND status <> $13
	`
	customer.UpdatedAt = time.Now().UTC()
	tag, err := querier.Exec(ctx, query,
		customer.Status, customer.Rating, customer.FeedbackSentiment, customer.FeedbackText, customer.RespondedAt,
		customer.RequiresFollowUp, customer.FollowUpNotes, customer.IssueResolved,
		customer.GoogleReviewRequestedAt, customer.GoogleReviewLinkSent, customer.UpdatedAt,
		customer.ID, domain.CustomerStatusClosed,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating customer conversation state", "error", err, "customer_id", customer.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "No open conversation for state update", "customer_id", customer.ID)
		return domain.ErrConversationClosed
	}
	return nil
}

func (r *PgCustomerRepository) RecordContactAttempt(ctx context.Context, customerID uuid.UUID) error {
	query := `
		UPDATE customers
		SET contact_attempts = contact_attempts + 1,
		    status = CASE WHEN status = $2 THEN $3 ELSE status END,
		    updated_at = $4
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, customerID, domain.CustomerStatusPending, domain.CustomerStatusContacted, time.Now().UTC())
	if err != nil {
		r.logger.ErrorContext(ctx, "Error recording contact attempt", "error", err, "customer_id", customerID)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Customer not found for contact attempt", "customer_id", customerID)
		return domain.ErrCustomerNotFound
	}
	return nil
}
