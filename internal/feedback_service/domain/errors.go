package domain

import "errors"

var (
	// ErrCustomerNotFound is returned when no customer matches the lookup.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrMessageNotFound is returned when no message matches the lookup.
	ErrMessageNotFound = errors.New("message not found")

	// ErrConversationClosed is returned when a conversation-state update
	// matched no open row: the conversation was already closed by a
	// concurrent reply, or the customer row is gone.
	ErrConversationClosed = errors.New("conversation already closed")

	// ErrNoDueMessages is returned by retry acquisition when nothing is due.
	ErrNoDueMessages = errors.New("no messages due for redelivery")
)
