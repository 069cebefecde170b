package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
)

func setupStatusProcessorTest(t *testing.T) (*StatusProcessor, *MockMessageRepository) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	messageRepo := new(MockMessageRepository)
	return NewStatusProcessor(messageRepo, logger), messageRepo
}

func TestStatusProcessor_ProcessStatus(t *testing.T) {
	occurredAt := time.Now().UTC()

	t.Run("applies a delivered callback", func(t *testing.T) {
		processor, messageRepo := setupStatusProcessorTest(t)
		event := domain.StatusCallbackEvent{ProviderMessageID: "SMxyz", Status: "delivered", OccurredAt: occurredAt}

		messageRepo.On("UpdateStatusByProviderID", mock.Anything, "SMxyz", domain.MessageStatusDelivered, occurredAt, (*string)(nil), (*string)(nil)).
			Return(nil).Once()

		err := processor.ProcessStatus(context.Background(), event)

		require.NoError(t, err)
		messageRepo.AssertExpectations(t)
	})

	t.Run("maps undelivered to failed with error fields", func(t *testing.T) {
		processor, messageRepo := setupStatusProcessorTest(t)
		errCode := "63016"
		errMsg := "message outside the allowed window"
		event := domain.StatusCallbackEvent{
			ProviderMessageID: "SMfail",
			Status:            "undelivered",
			ErrorCode:         &errCode,
			ErrorMessage:      &errMsg,
			OccurredAt:        occurredAt,
		}

		messageRepo.On("UpdateStatusByProviderID", mock.Anything, "SMfail", domain.MessageStatusFailed, occurredAt, &errCode, &errMsg).
			Return(nil).Once()

		err := processor.ProcessStatus(context.Background(), event)

		require.NoError(t, err)
		messageRepo.AssertExpectations(t)
	})

	t.Run("drops an unknown status without touching the repository", func(t *testing.T) {
		processor, messageRepo := setupStatusProcessorTest(t)
		event := domain.StatusCallbackEvent{ProviderMessageID: "SMxyz", Status: "queued_by_carrier", OccurredAt: occurredAt}

		err := processor.ProcessStatus(context.Background(), event)

		require.NoError(t, err)
		messageRepo.AssertNotCalled(t, "UpdateStatusByProviderID", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("drops a callback for an unknown message", func(t *testing.T) {
		processor, messageRepo := setupStatusProcessorTest(t)
		event := domain.StatusCallbackEvent{ProviderMessageID: "SMghost", Status: "read", OccurredAt: occurredAt}

		messageRepo.On("UpdateStatusByProviderID", mock.Anything, "SMghost", domain.MessageStatusRead, occurredAt, (*string)(nil), (*string)(nil)).
			Return(domain.ErrMessageNotFound).Once()

		err := processor.ProcessStatus(context.Background(), event)

		require.NoError(t, err)
		messageRepo.AssertExpectations(t)
	})

	t.Run("propagates repository errors", func(t *testing.T) {
		processor, messageRepo := setupStatusProcessorTest(t)
		event := domain.StatusCallbackEvent{ProviderMessageID: "SMxyz", Status: "sent", OccurredAt: occurredAt}

		messageRepo.On("UpdateStatusByProviderID", mock.Anything, "SMxyz", domain.MessageStatusSent, occurredAt, (*string)(nil), (*string)(nil)).
			Return(errors.New("db connection lost")).Once()

		err := processor.ProcessStatus(context.Background(), event)

		assert.Error(t, err)
	})
}
