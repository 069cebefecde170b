package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Twilio error codes that no amount of retrying can fix.
const (
	codeInvalidDestination = 21211 // The To number is not a valid phone number
	codeRecipientOptedOut  = 21610 // The recipient replied STOP
)

// TwilioProvider sends WhatsApp messages through Twilio's Messages API.
type TwilioProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	accountSID string
	authToken  string
	fromNumber string
}

func NewTwilioProvider(logger *slog.Logger, baseURL, accountSID, authToken, fromNumber string, httpClient *http.Client) *TwilioProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TwilioProvider{
		logger:     logger.With("provider", "twilio"),
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
	}
}

func (p *TwilioProvider) Name() string {
	return "twilio"
}

// twilioMessageResponse is the subset of Twilio's message resource we use.
type twilioMessageResponse struct {
	Sid          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type twilioErrorResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (p *TwilioProvider) Send(ctx context.Context, request SendRequest) (*SendResult, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.baseURL, p.accountSID)

	form := url.Values{}
	form.Set("To", whatsappAddress(request.To))
	form.Set("From", whatsappAddress(p.fromNumber))
	form.Set("Body", request.Body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(p.accountSID, p.authToken)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to reach Twilio", "error", err, "message_id", request.MessageID)
		return nil, &SendError{Reason: fmt.Sprintf("failed to reach Twilio: %v", err), Retryable: true}
	}
	defer httpResp.Body.Close()

	bodyBytes, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		p.logger.ErrorContext(ctx, "Failed to read Twilio response body", "status_code", httpResp.StatusCode, "error", readErr, "message_id", request.MessageID)
		return nil, &SendError{Reason: fmt.Sprintf("failed to read Twilio response (status %d): %v", httpResp.StatusCode, readErr), Retryable: true}
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		var msg twilioMessageResponse
		if err := json.Unmarshal(bodyBytes, &msg); err != nil {
			// Accepted by Twilio but the body is not what we expect; the
			// provider message id is simply unavailable.
			p.logger.WarnContext(ctx, "Twilio accepted the message but the response body did not parse",
				"status_code", httpResp.StatusCode, "error", err, "message_id", request.MessageID)
			return &SendResult{Status: "queued"}, nil
		}

		p.logger.InfoContext(ctx, "WhatsApp message accepted by Twilio",
			"provider_message_id", msg.Sid, "provider_status", msg.Status, "message_id", request.MessageID)
		return &SendResult{ProviderMessageID: msg.Sid, Status: msg.Status}, nil
	}

	var twErr twilioErrorResponse
	code := ""
	reason := fmt.Sprintf("Twilio API error: status %d", httpResp.StatusCode)
	if err := json.Unmarshal(bodyBytes, &twErr); err == nil && twErr.Message != "" {
		code = strconv.Itoa(twErr.Code)
		reason = fmt.Sprintf("Twilio API error: status %d, code %d: %s", httpResp.StatusCode, twErr.Code, twErr.Message)
	} else if len(bodyBytes) > 0 && len(bodyBytes) < 200 {
		reason = fmt.Sprintf("Twilio API error: status %d, raw_body: %s", httpResp.StatusCode, string(bodyBytes))
	}

	sendErr := &SendError{
		Code:      code,
		Reason:    reason,
		Retryable: retryableStatus(httpResp.StatusCode, twErr.Code),
	}
	p.logger.WarnContext(ctx, "Twilio send failed",
		"status_code", httpResp.StatusCode, "twilio_code", twErr.Code, "retryable", sendErr.Retryable, "message_id", request.MessageID)
	return nil, sendErr
}

// retryableStatus decides whether a Twilio rejection is worth retrying.
// Named permanent codes win over the HTTP status: a 400 for an opted-out
// recipient stays permanent no matter how it was transported.
func retryableStatus(httpStatus, twilioCode int) bool {
	switch twilioCode {
	case codeInvalidDestination, codeRecipientOptedOut:
		return false
	}
	if httpStatus == http.StatusRequestTimeout || httpStatus == http.StatusTooManyRequests {
		return true
	}
	return httpStatus >= 500
}

// whatsappAddress prefixes a number with the whatsapp: channel marker Twilio
// expects, leaving already prefixed addresses alone.
func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
