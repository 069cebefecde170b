package conversation

import (
	"fmt"
	"time"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
)

// Outcome is the result of advancing a conversation by one inbound message.
type Outcome struct {
	// Template selects the reply to send back.
	Template TemplateSelector
	// StateChanged reports whether the customer record was mutated and
	// needs persisting.
	StateChanged bool
	// NewlyFlagged reports whether this message turned the follow-up flag
	// on. It is the trigger for notifying staff exactly once.
	NewlyFlagged bool
}

// StateMachine drives the feedback conversation lifecycle:
// pending -> contacted -> responded -> closed. A conversation closes after
// its first rating or free-text reply; later messages are acknowledged
// without touching the recorded feedback.
type StateMachine struct{}

func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// Advance applies one classified inbound message to the customer record in
// place and selects the reply template. Rating and sentiment are written at
// most once per conversation: every branch that records them also closes the
// conversation, and a closed conversation only ever yields an acknowledgment.
func (m *StateMachine) Advance(customer *domain.Customer, cls domain.Classification, body string) Outcome {
	if customer.Status == domain.CustomerStatusClosed {
		return Outcome{Template: TemplateAcknowledgment}
	}

	switch cls.Kind {
	case domain.KindRating:
		return m.applyRating(customer, cls.Rating)
	case domain.KindThankYou:
		return Outcome{Template: TemplateAcknowledgment}
	default:
		return m.applyFreeText(customer, cls.Sentiment, body)
	}
}

func (m *StateMachine) applyRating(customer *domain.Customer, rating int) Outcome {
	now := time.Now().UTC()
	customer.Rating = &rating
	customer.RespondedAt = &now

	out := Outcome{StateChanged: true}
	switch rating {
	case 4:
		sentiment := domain.SentimentPositive
		customer.FeedbackSentiment = &sentiment
		customer.GoogleReviewRequestedAt = &now
		customer.GoogleReviewLinkSent = true
		out.Template = TemplateReviewRequest
	case 3:
		sentiment := domain.SentimentNeutral
		customer.FeedbackSentiment = &sentiment
		out.Template = TemplateNeutralThanks
	default:
		sentiment := domain.SentimentNegative
		customer.FeedbackSentiment = &sentiment
		notes := fmt.Sprintf("Customer rated experience as %d/4", rating)
		out.NewlyFlagged = !customer.RequiresFollowUp
		customer.RequiresFollowUp = true
		customer.FollowUpNotes = &notes
		customer.IssueResolved = false
		out.Template = TemplateApology
	}

	customer.Status = domain.CustomerStatusClosed
	return out
}

func (m *StateMachine) applyFreeText(customer *domain.Customer, sentiment domain.Sentiment, body string) Outcome {
	now := time.Now().UTC()
	customer.FeedbackText = &body
	customer.FeedbackSentiment = &sentiment
	customer.RespondedAt = &now

	out := Outcome{StateChanged: true, Template: TemplateFeedbackThanks}
	if sentiment == domain.SentimentNegative {
		out.NewlyFlagged = !customer.RequiresFollowUp
		customer.RequiresFollowUp = true
		out.Template = TemplateApology
	}

	customer.Status = domain.CustomerStatusClosed
	return out
}
