package http

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
)

const testAuthToken = "test-auth-token-12345"

func setupSignedWebhookTest(t *testing.T) (*httptest.Server, *MockBrokerClient) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := new(MockBrokerClient)
	// The public base URL is set after the test server starts listening, so
	// build the router against a validator that reconstructs it per request.
	signature := NewSignatureValidator(testAuthToken, "", true, logger)
	server := httptest.NewServer(NewRouter(broker, signature, logger, validator.New()))
	t.Cleanup(server.Close)
	return server, broker
}

func signedRequest(t *testing.T, serverURL, path string, form url.Values, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, serverURL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSignatureValidator(t *testing.T) {
	form := url.Values{
		"MessageSid": {"SM123"},
		"From":       {"whatsapp:+966501234567"},
		"Body":       {"2"},
	}

	t.Run("accepts a correctly signed request", func(t *testing.T) {
		server, broker := setupSignedWebhookTest(t)
		broker.On("Publish", mock.Anything, domain.SubjectInboundRaw, mock.Anything).Return(nil).Once()

		signature := computeSignature(testAuthToken, server.URL+"/webhooks/whatsapp", form)
		resp := signedRequest(t, server.URL, "/webhooks/whatsapp", form, signature)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		broker.AssertExpectations(t)
	})

	t.Run("rejects a tampered payload", func(t *testing.T) {
		server, broker := setupSignedWebhookTest(t)

		tampered := url.Values{}
		for k, v := range form {
			tampered[k] = v
		}
		tampered.Set("Body", "4")
		signature := computeSignature(testAuthToken, server.URL+"/webhooks/whatsapp", form)
		resp := signedRequest(t, server.URL, "/webhooks/whatsapp", tampered, signature)

		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		broker.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects a missing signature", func(t *testing.T) {
		server, broker := setupSignedWebhookTest(t)

		resp := signedRequest(t, server.URL, "/webhooks/whatsapp", form, "")

		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		broker.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects a signature made with the wrong token", func(t *testing.T) {
		server, broker := setupSignedWebhookTest(t)

		signature := computeSignature("some-other-token", server.URL+"/webhooks/whatsapp", form)
		resp := signedRequest(t, server.URL, "/webhooks/whatsapp", form, signature)

		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		broker.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("honors a configured public base URL", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		broker := new(MockBrokerClient)
		broker.On("Publish", mock.Anything, domain.SubjectInboundRaw, mock.Anything).Return(nil).Once()
		signature := NewSignatureValidator(testAuthToken, "https://feedback.example.com", true, logger)
		server := httptest.NewServer(NewRouter(broker, signature, logger, validator.New()))
		t.Cleanup(server.Close)

		signed := computeSignature(testAuthToken, "https://feedback.example.com/webhooks/whatsapp", form)
		resp := signedRequest(t, server.URL, "/webhooks/whatsapp", form, signed)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		broker.AssertExpectations(t)
	})
}
