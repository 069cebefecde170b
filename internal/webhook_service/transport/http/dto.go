package http

// inboundWebhookRequest is the form-encoded payload Twilio posts for an
// inbound WhatsApp message. Field names match the provider's form keys.
type inboundWebhookRequest struct {
	MessageSid string `validate:"required"`
	AccountSid string
	From       string `validate:"required"`
	To         string
	Body       string
	NumMedia   int
}

// statusCallbackRequest is the form-encoded payload Twilio posts when a
// message's delivery status changes.
type statusCallbackRequest struct {
	MessageSid    string `validate:"required"`
	MessageStatus string `validate:"required"`
	ErrorCode     string
	ErrorMessage  string
}
