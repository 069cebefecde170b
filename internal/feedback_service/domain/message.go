package domain

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageStatus defines the delivery states of a WhatsApp message.
type MessageStatus string

const (
	MessageStatusReceived       MessageStatus = "received" // Inbound messages only
	MessageStatusQueued         MessageStatus = "queued"
	MessageStatusRetryScheduled MessageStatus = "retry_scheduled" // Failed transiently, waiting for the backoff delay
	MessageStatusSent           MessageStatus = "sent"
	MessageStatusDelivered      MessageStatus = "delivered"
	MessageStatusRead           MessageStatus = "read"
	MessageStatusFailed         MessageStatus = "failed"
)

// Value implements the driver.Valuer interface for MessageStatus.
func (ms MessageStatus) Value() (driver.Value, error) {
	return string(ms), nil
}

// Scan implements the sql.Scanner interface for MessageStatus.
func (ms *MessageStatus) Scan(value interface{}) error {
	strVal, ok := value.(string)
	if !ok {
		bytesVal, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("failed to scan MessageStatus: value is not string or []byte, it is %T", value)
		}
		strVal = string(bytesVal)
	}
	*ms = MessageStatus(strVal)
	switch *ms {
	case MessageStatusReceived, MessageStatusQueued, MessageStatusRetryScheduled, MessageStatusSent, MessageStatusDelivered, MessageStatusRead, MessageStatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown MessageStatus value: %s", strVal)
	}
}

// MessageDirection distinguishes customer messages from our replies.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// Message is a single WhatsApp message in either direction.
type Message struct {
	ID         uuid.UUID        `json:"id"`
	CustomerID uuid.UUID        `json:"customer_id"`
	Direction  MessageDirection `json:"direction"`
	Body       string           `json:"body"`
	Language   Language         `json:"language"`
	Template   *string          `json:"template,omitempty"` // Template selector for automated replies
	Status     MessageStatus    `json:"status"`

	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	ProviderMessageID *string `json:"provider_message_id,omitempty"`
	ErrorCode         *string `json:"error_code,omitempty"`
	ErrorMessage      *string `json:"error_message,omitempty"`
	IsAutomated       bool    `json:"is_automated"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
