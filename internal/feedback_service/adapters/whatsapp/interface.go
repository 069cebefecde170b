package whatsapp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SendRequest holds the data needed to deliver one WhatsApp message.
type SendRequest struct {
	MessageID uuid.UUID // Our message row id, for log correlation
	To        string    // E.164 number, with or without the whatsapp: prefix
	Body      string
}

// SendResult is the provider's acknowledgment of an accepted message.
type SendResult struct {
	ProviderMessageID string
	Status            string // Provider-side status, e.g. "queued"
}

// SendError is a failed send attempt. Retryable tells the delivery pipeline
// whether backing off and trying again can help.
type SendError struct {
	Code      string // Provider error code, when one was returned
	Reason    string
	Retryable bool
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("whatsapp send failed (code %s): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("whatsapp send failed: %s", e.Reason)
}

// Retryable classifies a send failure. Errors that did not come from the
// provider (timeouts, connection resets) are treated as transient.
func Retryable(err error) bool {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Retryable
	}
	return true
}

// Provider is the outbound send capability.
type Provider interface {
	Send(ctx context.Context, request SendRequest) (*SendResult, error)
	Name() string
}
