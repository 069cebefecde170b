package conversation

import (
	"fmt"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
)

// TemplateSelector names a reply template. The selector is recorded on the
// outbound message row so staff can see which automated reply went out.
type TemplateSelector string

const (
	// TemplateFeedbackRequest is the initial post-visit outreach asking the
	// customer to rate their experience from 1 to 4.
	TemplateFeedbackRequest TemplateSelector = "feedback_request"
	// TemplateReviewRequest thanks a delighted customer and asks for a
	// public Google review.
	TemplateReviewRequest TemplateSelector = "review_request"
	// TemplateNeutralThanks thanks a rating of 3 and probes for specifics.
	TemplateNeutralThanks TemplateSelector = "neutral_thanks"
	// TemplateApology apologizes for a poor experience and promises a
	// personal follow-up from the manager.
	TemplateApology TemplateSelector = "apology_follow_up"
	// TemplateFeedbackThanks acknowledges free-text feedback.
	TemplateFeedbackThanks TemplateSelector = "feedback_thanks"
	// TemplateAcknowledgment is the short reply for thank-you messages and
	// for any message on an already closed conversation.
	TemplateAcknowledgment TemplateSelector = "acknowledgment"
)

const feedbackRequestAR = `%s! 👋

شكراً لزيارتكم %s اليوم. نأمل أن تكون تجربتكم معنا مميزة.

نود أن نسمع رأيكم الكريم عن زيارتكم. هل يمكنكم مشاركتنا تجربتكم؟

4️⃣ ممتازة 😊
3️⃣ جيدة 👍
2️⃣ متوسطة 😐
1️⃣ تحتاج تحسين 😔

يرجى الرد برقم اختياركم.`

const feedbackRequestEN = `%s! 👋

Thank you for visiting %s today. We hope you had a wonderful experience.

We'd love to hear your feedback about your visit. How was your experience?

4️⃣ Excellent 😊
3️⃣ Good 👍
2️⃣ Average 😐
1️⃣ Needs Improvement 😔

Please reply with your choice number.`

const reviewRequestAR = `رائع! يسعدنا أن تجربتكم كانت ممتازة! 🌟

هل يمكنكم مساعدتنا بمشاركة تجربتكم الإيجابية على Google؟
تقييمكم يساعدنا كثيراً.

%s

شكراً لكم ونتطلع لرؤيتكم قريباً! 🙏`

const reviewRequestEN = `Wonderful! We're thrilled you had an excellent experience! 🌟

Would you mind sharing your positive experience on Google?
Your review helps us greatly.

%s

Thank you and we look forward to seeing you again! 🙏`

const neutralThanksAR = `شكراً لتقييمكم! نسعى دائماً للتحسين.

هل يمكنكم مشاركة المزيد عن تجربتكم؟
ما الذي يمكننا تحسينه لجعل زيارتكم القادمة أفضل؟`

const neutralThanksEN = `Thank you for your feedback! We're always looking to improve.

Could you share more about your experience?
What can we do better for your next visit?`

const apologyAR = `نأسف لسماع ذلك. رأيكم مهم جداً لنا. 😔

هل يمكنكم مشاركتنا المزيد عن تجربتكم؟
ما الذي يمكننا تحسينه؟

مديرنا سيتواصل معكم شخصياً لحل أي مشكلة.
نقدر صراحتكم ونعدكم بتحسين خدماتنا. 🙏`

const apologyEN = `We're sorry to hear that. Your feedback is very important to us. 😔

Could you please share more about your experience?
What can we improve?

Our manager will contact you personally to resolve any issues.
We appreciate your honesty and promise to improve. 🙏`

const feedbackThanksAR = `شكراً لملاحظاتكم القيمة! سنحرص على الاستفادة منها لتحسين خدماتنا. 🙏`

const feedbackThanksEN = `Thank you for your valuable feedback! We'll use it to improve our services. 🙏`

const acknowledgmentAR = `عفواً! نتمنى لكم يوماً سعيداً 🌟`

const acknowledgmentEN = `You're welcome! Have a wonderful day! 🌟`

// Renderer fills templates with the restaurant persona and the customer's
// greeting. The customer's preferred language picks the body.
type Renderer struct {
	restaurantName string
	reviewLink     string
}

func NewRenderer(restaurantName, reviewLink string) *Renderer {
	return &Renderer{restaurantName: restaurantName, reviewLink: reviewLink}
}

// Render produces the message body for the selector in the customer's
// preferred language.
func (r *Renderer) Render(sel TemplateSelector, customer *domain.Customer) (string, error) {
	arabic := customer.PreferredLanguage != domain.LanguageEnglish

	switch sel {
	case TemplateFeedbackRequest:
		if arabic {
			return fmt.Sprintf(feedbackRequestAR, customer.Greeting(), r.restaurantName), nil
		}
		return fmt.Sprintf(feedbackRequestEN, customer.Greeting(), r.restaurantName), nil
	case TemplateReviewRequest:
		if arabic {
			return fmt.Sprintf(reviewRequestAR, r.reviewLink), nil
		}
		return fmt.Sprintf(reviewRequestEN, r.reviewLink), nil
	case TemplateNeutralThanks:
		if arabic {
			return neutralThanksAR, nil
		}
		return neutralThanksEN, nil
	case TemplateApology:
		if arabic {
			return apologyAR, nil
		}
		return apologyEN, nil
	case TemplateFeedbackThanks:
		if arabic {
			return feedbackThanksAR, nil
		}
		return feedbackThanksEN, nil
	case TemplateAcknowledgment:
		if arabic {
			return acknowledgmentAR, nil
		}
		return acknowledgmentEN, nil
	}
	return "", fmt.Errorf("unknown reply template %q", sel)
}
