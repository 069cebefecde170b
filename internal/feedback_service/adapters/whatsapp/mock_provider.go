package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a simulated WhatsApp provider for development and tests.
type MockProvider struct {
	logger       *slog.Logger
	name         string
	failRate     float64 // Chance of a simulated transient failure (0.0 to 1.0)
	minLatencyMs int
	maxLatencyMs int
}

// NewMockProvider creates a MockProvider. A zero latency range disables the
// artificial delay.
func NewMockProvider(logger *slog.Logger, name string, failRate float64, minLatencyMs, maxLatencyMs int) *MockProvider {
	if name == "" {
		name = "mock-provider"
	}
	return &MockProvider{
		logger:       logger.With("provider", name),
		name:         name,
		failRate:     failRate,
		minLatencyMs: minLatencyMs,
		maxLatencyMs: maxLatencyMs,
	}
}

func (p *MockProvider) Name() string {
	return p.name
}

func (p *MockProvider) Send(ctx context.Context, request SendRequest) (*SendResult, error) {
	if p.maxLatencyMs > p.minLatencyMs {
		latency := p.minLatencyMs + rand.Intn(p.maxLatencyMs-p.minLatencyMs+1)
		select {
		case <-time.After(time.Duration(latency) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if rand.Float64() < p.failRate {
		reason := fmt.Sprintf("simulated failure for recipient %s", request.To)
		p.logger.WarnContext(ctx, "MockProvider: send failed (simulated)",
			"message_id", request.MessageID, "recipient", request.To)
		return nil, &SendError{Code: "mock_failure", Reason: reason, Retryable: true}
	}

	providerMsgID := "SM" + strings.ReplaceAll(uuid.NewString(), "-", "")
	p.logger.InfoContext(ctx, "MockProvider: message sent (simulated)",
		"message_id", request.MessageID, "provider_message_id", providerMsgID, "body_len", len(request.Body))

	return &SendResult{ProviderMessageID: providerMsgID, Status: "queued"}, nil
}
