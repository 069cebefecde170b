package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sofrahq/feedback_services/internal/feedback_service/classify"
	"github.com/sofrahq/feedback_services/internal/feedback_service/conversation"
	"github.com/sofrahq/feedback_services/internal/feedback_service/delivery"
	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
	"github.com/sofrahq/feedback_services/internal/platform/messagebroker"
)

// --- Mocks ---

type MockCustomerRepository struct {
	mock.Mock
}

func (m *MockCustomerRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Customer), args.Error(1)
}

func (m *MockCustomerRepository) GetByPhone(ctx context.Context, phoneNumber string) (*domain.Customer, error) {
	args := m.Called(ctx, phoneNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Customer), args.Error(1)
}

func (m *MockCustomerRepository) Create(ctx context.Context, customer *domain.Customer) (*domain.Customer, error) {
	args := m.Called(ctx, customer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Customer), args.Error(1)
}

func (m *MockCustomerRepository) UpdateConversationState(ctx context.Context, querier domain.Querier, customer *domain.Customer) error {
	args := m.Called(ctx, querier, customer)
	return args.Error(0)
}

func (m *MockCustomerRepository) RecordContactAttempt(ctx context.Context, customerID uuid.UUID) error {
	args := m.Called(ctx, customerID)
	return args.Error(0)
}

type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) Create(ctx context.Context, querier domain.Querier, msg *domain.Message) (*domain.Message, error) {
	args := m.Called(ctx, querier, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockMessageRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, sentAt time.Time) error {
	args := m.Called(ctx, id, providerMessageID, sentAt)
	return args.Error(0)
}

func (m *MockMessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorCode *string, errorMessage *string) error {
	args := m.Called(ctx, id, errorCode, errorMessage)
	return args.Error(0)
}

func (m *MockMessageRepository) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, errorMessage *string) error {
	args := m.Called(ctx, id, retryCount, nextRetryAt, errorMessage)
	return args.Error(0)
}

func (m *MockMessageRepository) ClaimScheduledRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepository) AcquireDueRetries(ctx context.Context, dueTime time.Time, staleBefore time.Time, limit int) ([]*domain.Message, error) {
	args := m.Called(ctx, dueTime, staleBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockMessageRepository) UpdateStatusByProviderID(ctx context.Context, providerMessageID string, status domain.MessageStatus, occurredAt time.Time, errorCode *string, errorMessage *string) error {
	args := m.Called(ctx, providerMessageID, status, occurredAt, errorCode, errorMessage)
	return args.Error(0)
}

type MockProcessedEventRepository struct {
	mock.Mock
}

func (m *MockProcessedEventRepository) IsProcessed(ctx context.Context, providerMessageID string) (bool, error) {
	args := m.Called(ctx, providerMessageID)
	return args.Bool(0), args.Error(1)
}

func (m *MockProcessedEventRepository) MarkProcessed(ctx context.Context, querier domain.Querier, providerMessageID string, receivedAt time.Time) error {
	args := m.Called(ctx, querier, providerMessageID, receivedAt)
	return args.Error(0)
}

type MockBrokerClient struct {
	mock.Mock
}

func (m *MockBrokerClient) Publish(ctx context.Context, subject string, data []byte) error {
	args := m.Called(ctx, subject, data)
	return args.Error(0)
}

func (m *MockBrokerClient) SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg messagebroker.Message)) (messagebroker.Subscription, error) {
	args := m.Called(ctx, subject, queueGroup, handler)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(messagebroker.Subscription), args.Error(1)
}

func (m *MockBrokerClient) Close() {
	m.Called()
}

// fakeTx satisfies pgx.Tx just enough for pgx.BeginFunc's commit/rollback
// bookkeeping; repositories in these tests are mocks and never touch it.
type fakeTx struct {
	pgx.Tx
	commitErr error
}

func (t *fakeTx) Commit(ctx context.Context) error   { return t.commitErr }
func (t *fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeTxBeginner struct {
	tx       *fakeTx
	beginErr error
}

func (b *fakeTxBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	return b.tx, nil
}

// --- Test setup ---

type orchestratorTestComponents struct {
	orchestrator  *Orchestrator
	customerRepo  *MockCustomerRepository
	messageRepo   *MockMessageRepository
	processedRepo *MockProcessedEventRepository
	broker        *MockBrokerClient
	queue         *delivery.Queue
	tx            *fakeTx
}

func setupOrchestratorTest(t *testing.T, queueSize int) orchestratorTestComponents {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	customerRepo := new(MockCustomerRepository)
	messageRepo := new(MockMessageRepository)
	processedRepo := new(MockProcessedEventRepository)
	broker := new(MockBrokerClient)
	queue := delivery.NewQueue(queueSize)
	tx := &fakeTx{}

	orchestrator := NewOrchestrator(
		logger,
		classify.New(nil),
		conversation.NewStateMachine(),
		conversation.NewRenderer("Test Restaurant", "https://g.page/r/test"),
		customerRepo,
		messageRepo,
		processedRepo,
		&fakeTxBeginner{tx: tx},
		queue,
		delivery.NewCustomerLocks(),
		broker,
		domain.LanguageArabic,
		3,
	)
	return orchestratorTestComponents{
		orchestrator:  orchestrator,
		customerRepo:  customerRepo,
		messageRepo:   messageRepo,
		processedRepo: processedRepo,
		broker:        broker,
		queue:         queue,
		tx:            tx,
	}
}

func contactedCustomer(phone string) *domain.Customer {
	return &domain.Customer{
		ID:                 uuid.New(),
		CustomerNumber:     "CUST-001",
		PhoneNumber:        phone,
		PreferredLanguage:  domain.LanguageArabic,
		WhatsAppOptIn:      true,
		Status:             domain.CustomerStatusContacted,
		MaxContactAttempts: 3,
	}
}

// --- Tests ---

func TestOrchestrator_HandleInbound_LowRatingFlagsFollowUp(t *testing.T) {
	c := setupOrchestratorTest(t, 10)
	ctx := context.Background()
	customer := contactedCustomer("+966501234567")
	event := domain.InboundMessageEvent{
		ProviderMessageID: "SM1",
		From:              customer.PhoneNumber,
		Body:              "2",
		ReceivedAt:        time.Now().UTC(),
	}

	c.processedRepo.On("IsProcessed", mock.Anything, "SM1").Return(false, nil).Twice()
	c.customerRepo.On("GetByPhone", mock.Anything, customer.PhoneNumber).Return(customer, nil).Once()
	c.customerRepo.On("GetByID", mock.Anything, customer.ID).Return(customer, nil).Once()
	c.messageRepo.On("Create", mock.Anything, c.tx, mock.MatchedBy(func(msg *domain.Message) bool {
		return msg.Direction == domain.DirectionInbound && msg.Body == "2"
	})).Return(&domain.Message{}, nil).Once()
	c.customerRepo.On("UpdateConversationState", mock.Anything, c.tx, customer).Return(nil).Once()
	c.messageRepo.On("Create", mock.Anything, c.tx, mock.MatchedBy(func(msg *domain.Message) bool {
		return msg.Direction == domain.DirectionOutbound && msg.Status == domain.MessageStatusQueued
	})).Return(&domain.Message{}, nil).Once()
	c.processedRepo.On("MarkProcessed", mock.Anything, c.tx, "SM1", event.ReceivedAt).Return(nil).Once()
	c.broker.On("Publish", mock.Anything, domain.SubjectFollowUpRequired, mock.MatchedBy(func(data []byte) bool {
		var fu domain.FollowUpEvent
		require.NoError(t, json.Unmarshal(data, &fu))
		return fu.CustomerID == customer.ID && fu.Rating != nil && *fu.Rating == 2
	})).Return(nil).Once()

	result, err := c.orchestrator.HandleInbound(ctx, event)

	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.True(t, result.ReplyEnqueued)
	assert.True(t, result.FollowUpFlagged)
	assert.Equal(t, conversation.TemplateApology, result.Template)

	require.NotNil(t, customer.Rating)
	assert.Equal(t, 2, *customer.Rating)
	require.NotNil(t, customer.FeedbackSentiment)
	assert.Equal(t, domain.SentimentNegative, *customer.FeedbackSentiment)
	assert.True(t, customer.RequiresFollowUp)
	assert.Equal(t, domain.CustomerStatusClosed, customer.Status)

	dequeueCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	task, err := c.queue.Dequeue(dequeueCtx)
	require.NoError(t, err)
	assert.Equal(t, result.ReplyMessageID, task.MessageID)
	assert.Equal(t, customer.ID, task.CustomerID)
	assert.Equal(t, customer.PhoneNumber, task.To)

	c.customerRepo.AssertExpectations(t)
	c.messageRepo.AssertExpectations(t)
	c.processedRepo.AssertExpectations(t)
	c.broker.AssertExpectations(t)
}

func TestOrchestrator_HandleInbound_DuplicateIsNoOp(t *testing.T) {
	c := setupOrchestratorTest(t, 10)
	event := domain.InboundMessageEvent{ProviderMessageID: "SM1", From: "+966501234567", Body: "2"}

	c.processedRepo.On("IsProcessed", mock.Anything, "SM1").Return(true, nil).Once()

	result, err := c.orchestrator.HandleInbound(context.Background(), event)

	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, 0, c.queue.Len())
	c.customerRepo.AssertNotCalled(t, "GetByPhone", mock.Anything, mock.Anything)
	c.messageRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	c.processedRepo.AssertExpectations(t)
}

func TestOrchestrator_HandleInbound_ThankYouOnClosedConversation(t *testing.T) {
	c := setupOrchestratorTest(t, 10)
	customer := contactedCustomer("+966501234567")
	customer.Status = domain.CustomerStatusClosed
	rating := 4
	customer.Rating = &rating
	event := domain.InboundMessageEvent{
		ProviderMessageID: "SM2",
		From:              customer.PhoneNumber,
		Body:              "شكراً لكم",
		ReceivedAt:        time.Now().UTC(),
	}

	c.processedRepo.On("IsProcessed", mock.Anything, "SM2").Return(false, nil).Twice()
	c.customerRepo.On("GetByPhone", mock.Anything, customer.PhoneNumber).Return(customer, nil).Once()
	c.customerRepo.On("GetByID", mock.Anything, customer.ID).Return(customer, nil).Once()
	c.messageRepo.On("Create", mock.Anything, c.tx, mock.Anything).Return(&domain.Message{}, nil).Twice()
	c.processedRepo.On("MarkProcessed", mock.Anything, c.tx, "SM2", event.ReceivedAt).Return(nil).Once()

	result, err := c.orchestrator.HandleInbound(context.Background(), event)

	require.NoError(t, err)
	assert.Equal(t, conversation.TemplateAcknowledgment, result.Template)
	assert.True(t, result.ReplyEnqueued)
	assert.False(t, result.FollowUpFlagged)

	// The closed conversation is untouched.
	assert.Equal(t, domain.CustomerStatusClosed, customer.Status)
	assert.Equal(t, 4, *customer.Rating)
	c.customerRepo.AssertNotCalled(t, "UpdateConversationState", mock.Anything, mock.Anything, mock.Anything)
	c.broker.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestrator_HandleInbound_PersistenceFailureLeavesEventUnprocessed(t *testing.T) {
	c := setupOrchestratorTest(t, 10)
	customer := contactedCustomer("+966501234567")
	event := domain.InboundMessageEvent{ProviderMessageID: "SM3", From: customer.PhoneNumber, Body: "3"}

	c.processedRepo.On("IsProcessed", mock.Anything, "SM3").Return(false, nil).Twice()
	c.customerRepo.On("GetByPhone", mock.Anything, customer.PhoneNumber).Return(customer, nil).Once()
	c.customerRepo.On("GetByID", mock.Anything, customer.ID).Return(customer, nil).Once()
	c.messageRepo.On("Create", mock.Anything, c.tx, mock.Anything).Return(nil, errors.New("db connection lost")).Once()

	_, err := c.orchestrator.HandleInbound(context.Background(), event)

	require.Error(t, err)
	assert.Equal(t, 0, c.queue.Len())
	c.processedRepo.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestrator_HandleInbound_QueueFullStillMarksProcessed(t *testing.T) {
	c := setupOrchestratorTest(t, 0)
	customer := contactedCustomer("+966501234567")
	event := domain.InboundMessageEvent{ProviderMessageID: "SM4", From: customer.PhoneNumber, Body: "4", ReceivedAt: time.Now().UTC()}

	c.processedRepo.On("IsProcessed", mock.Anything, "SM4").Return(false, nil).Twice()
	c.customerRepo.On("GetByPhone", mock.Anything, customer.PhoneNumber).Return(customer, nil).Once()
	c.customerRepo.On("GetByID", mock.Anything, customer.ID).Return(customer, nil).Once()
	c.messageRepo.On("Create", mock.Anything, c.tx, mock.Anything).Return(&domain.Message{}, nil).Twice()
	c.customerRepo.On("UpdateConversationState", mock.Anything, c.tx, customer).Return(nil).Once()
	c.processedRepo.On("MarkProcessed", mock.Anything, c.tx, "SM4", event.ReceivedAt).Return(nil).Once()

	result, err := c.orchestrator.HandleInbound(context.Background(), event)

	require.NoError(t, err)
	assert.False(t, result.ReplyEnqueued)
	assert.Equal(t, conversation.TemplateReviewRequest, result.Template)
	c.processedRepo.AssertExpectations(t)
}

func TestOrchestrator_HandleInbound_UnknownCallerGetsMinimalRecord(t *testing.T) {
	c := setupOrchestratorTest(t, 10)
	phone := "+966598765432"
	event := domain.InboundMessageEvent{ProviderMessageID: "SM5", From: phone, Body: "الأكل ممتاز", ReceivedAt: time.Now().UTC()}

	created := contactedCustomer(phone)
	c.processedRepo.On("IsProcessed", mock.Anything, "SM5").Return(false, nil).Twice()
	c.customerRepo.On("GetByPhone", mock.Anything, phone).Return(nil, domain.ErrCustomerNotFound).Once()
	c.customerRepo.On("Create", mock.Anything, mock.MatchedBy(func(customer *domain.Customer) bool {
		return customer.PhoneNumber == phone &&
			customer.CustomerNumber == "WA-5432" &&
			customer.PreferredLanguage == domain.LanguageArabic &&
			customer.Status == domain.CustomerStatusContacted
	})).Return(created, nil).Once()
	c.customerRepo.On("GetByID", mock.Anything, created.ID).Return(created, nil).Once()
	c.messageRepo.On("Create", mock.Anything, c.tx, mock.Anything).Return(&domain.Message{}, nil).Twice()
	c.customerRepo.On("UpdateConversationState", mock.Anything, c.tx, mock.Anything).Return(nil).Once()
	c.processedRepo.On("MarkProcessed", mock.Anything, c.tx, "SM5", event.ReceivedAt).Return(nil).Once()

	result, err := c.orchestrator.HandleInbound(context.Background(), event)

	require.NoError(t, err)
	assert.Equal(t, conversation.TemplateFeedbackThanks, result.Template)
	c.customerRepo.AssertExpectations(t)
}

// Two distinct messages from the same customer can race: the loser of the
// lock loads its snapshot before the winner commits a rating. The reload
// under the lock must see the closed conversation so the second reply is
// acknowledged without overwriting the recorded rating or clearing the
// follow-up flag.
func TestOrchestrator_HandleInbound_StaleSnapshotDoesNotOverwriteRating(t *testing.T) {
	c := setupOrchestratorTest(t, 10)
	phone := "+966501234567"

	// Snapshot taken before the lock, while the first reply was in flight.
	stale := contactedCustomer(phone)

	// Row as committed by the first reply: rating 1, flagged, closed.
	rating := 1
	sentiment := domain.SentimentNegative
	committed := &domain.Customer{
		ID:                 stale.ID,
		CustomerNumber:     stale.CustomerNumber,
		PhoneNumber:        phone,
		PreferredLanguage:  domain.LanguageArabic,
		WhatsAppOptIn:      true,
		Status:             domain.CustomerStatusClosed,
		MaxContactAttempts: 3,
		Rating:             &rating,
		FeedbackSentiment:  &sentiment,
		RequiresFollowUp:   true,
	}

	event := domain.InboundMessageEvent{
		ProviderMessageID: "SM6",
		From:              phone,
		Body:              "4",
		ReceivedAt:        time.Now().UTC(),
	}

	c.processedRepo.On("IsProcessed", mock.Anything, "SM6").Return(false, nil).Twice()
	c.customerRepo.On("GetByPhone", mock.Anything, phone).Return(stale, nil).Once()
	c.customerRepo.On("GetByID", mock.Anything, stale.ID).Return(committed, nil).Once()
	c.messageRepo.On("Create", mock.Anything, c.tx, mock.Anything).Return(&domain.Message{}, nil).Twice()
	c.processedRepo.On("MarkProcessed", mock.Anything, c.tx, "SM6", event.ReceivedAt).Return(nil).Once()

	result, err := c.orchestrator.HandleInbound(context.Background(), event)

	require.NoError(t, err)
	assert.Equal(t, conversation.TemplateAcknowledgment, result.Template)
	assert.False(t, result.FollowUpFlagged)

	// The first reply's outcome survives the second message.
	require.NotNil(t, committed.Rating)
	assert.Equal(t, 1, *committed.Rating)
	assert.Equal(t, domain.SentimentNegative, *committed.FeedbackSentiment)
	assert.True(t, committed.RequiresFollowUp)
	assert.Equal(t, domain.CustomerStatusClosed, committed.Status)
	c.customerRepo.AssertNotCalled(t, "UpdateConversationState", mock.Anything, mock.Anything, mock.Anything)
	c.broker.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	c.customerRepo.AssertExpectations(t)
}
