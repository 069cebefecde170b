package domain

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Language selects which template catalog a customer receives.
type Language string

const (
	LanguageArabic  Language = "ar"
	LanguageEnglish Language = "en"
)

// ParseLanguage maps a stored language code to a Language, falling back to
// Arabic for anything unrecognized.
func ParseLanguage(code string) Language {
	switch Language(code) {
	case LanguageArabic, LanguageEnglish:
		return Language(code)
	default:
		return LanguageArabic
	}
}

// CustomerStatus is the lifecycle of a feedback request.
type CustomerStatus string

const (
	CustomerStatusPending   CustomerStatus = "pending"
	CustomerStatusContacted CustomerStatus = "contacted"
	CustomerStatusResponded CustomerStatus = "responded"
	CustomerStatusClosed    CustomerStatus = "closed"
)

// Value implements the driver.Valuer interface for CustomerStatus.
func (cs CustomerStatus) Value() (driver.Value, error) {
	return string(cs), nil
}

// Scan implements the sql.Scanner interface for CustomerStatus.
func (cs *CustomerStatus) Scan(value interface{}) error {
	strVal, ok := value.(string)
	if !ok {
		bytesVal, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("failed to scan CustomerStatus: value is not string or []byte, it is %T", value)
		}
		strVal = string(bytesVal)
	}
	*cs = CustomerStatus(strVal)
	switch *cs {
	case CustomerStatusPending, CustomerStatusContacted, CustomerStatusResponded, CustomerStatusClosed:
		return nil
	default:
		return fmt.Errorf("unknown CustomerStatus value: %s", strVal)
	}
}

// Customer is the conversation-state view of a restaurant guest.
type Customer struct {
	ID                uuid.UUID      `json:"id"`
	CustomerNumber    string         `json:"customer_number"`
	Name              *string        `json:"name,omitempty"`
	PhoneNumber       string         `json:"phone_number"`
	PreferredLanguage Language       `json:"preferred_language"`
	WhatsAppOptIn     bool           `json:"whatsapp_opt_in"`
	Status            CustomerStatus `json:"status"`

	ContactAttempts    int `json:"contact_attempts"`
	MaxContactAttempts int `json:"max_contact_attempts"`

	Rating            *int       `json:"rating,omitempty"` // 1..4, set once per episode
	FeedbackSentiment *Sentiment `json:"feedback_sentiment,omitempty"`
	FeedbackText      *string    `json:"feedback_text,omitempty"`
	RespondedAt       *time.Time `json:"responded_at,omitempty"`

	RequiresFollowUp bool    `json:"requires_follow_up"`
	FollowUpNotes    *string `json:"follow_up_notes,omitempty"`
	IssueResolved    bool    `json:"issue_resolved"`

	GoogleReviewRequestedAt *time.Time `json:"google_review_requested_at,omitempty"`
	GoogleReviewLinkSent    bool       `json:"google_review_link_sent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Greeting returns the customer-facing salutation for the customer's language.
func (c *Customer) Greeting() string {
	if c.PreferredLanguage == LanguageArabic {
		if c.Name != nil && *c.Name != "" {
			return fmt.Sprintf("مرحباً %s", *c.Name)
		}
		return "عزيزنا العميل"
	}
	if c.Name != nil && *c.Name != "" {
		return fmt.Sprintf("Hello %s", *c.Name)
	}
	return "Dear Customer"
}

// CanBeContacted reports whether another outbound contact is allowed.
func (c *Customer) CanBeContacted() bool {
	return c.WhatsAppOptIn && c.ContactAttempts < c.MaxContactAttempts
}

// DisplayName is the value substituted into reply templates.
func (c *Customer) DisplayName() string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	if c.PreferredLanguage == LanguageArabic {
		return "عزيزنا العميل"
	}
	return "Dear Customer"
}
