package domain

import (
	"time"

	"github.com/google/uuid"
)

// NATS subjects joining the webhook edge to the feedback processor.
const (
	SubjectInboundRaw        = "whatsapp.inbound.raw"
	SubjectStatusRaw         = "whatsapp.status.raw"
	SubjectOutreachRequested = "feedback.outreach.requested"
	SubjectFollowUpRequired  = "feedback.followup.required"
)

// InboundMessageEvent is a customer message as received from the provider
// webhook, published on SubjectInboundRaw.
type InboundMessageEvent struct {
	ProviderMessageID string    `json:"provider_message_id"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Body              string    `json:"body"`
	AccountSid        string    `json:"account_sid,omitempty"`
	NumMedia          int       `json:"num_media"`
	ReceivedAt        time.Time `json:"received_at"`
}

// StatusCallbackEvent is a delivery-status callback from the provider,
// published on SubjectStatusRaw.
type StatusCallbackEvent struct {
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"` // sent, delivered, read, failed
	ErrorCode         *string   `json:"error_code,omitempty"`
	ErrorMessage      *string   `json:"error_message,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// OutreachRequestedEvent asks the feedback processor to open a conversation
// by sending the post-visit feedback request, published on
// SubjectOutreachRequested.
type OutreachRequestedEvent struct {
	CustomerID  uuid.UUID `json:"customer_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// FollowUpEvent notifies staff tooling that a conversation needs manual
// attention, published on SubjectFollowUpRequired.
type FollowUpEvent struct {
	CustomerID  uuid.UUID `json:"customer_id"`
	PhoneNumber string    `json:"phone_number"`
	Rating      *int      `json:"rating,omitempty"`
	Sentiment   Sentiment `json:"sentiment"`
	Notes       *string   `json:"notes,omitempty"`
	FlaggedAt   time.Time `json:"flagged_at"`
}
