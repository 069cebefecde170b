package classify

import (
	"strings"

	"github.com/sofrahq/feedback_services/internal/feedback_service/domain"
)

// Lexicon holds the phrase lists consulted for one language.
type Lexicon struct {
	ThankYou []string
	Negative []string
	Positive []string
}

// Policy maps each supported language to its lexicon. Matching is
// substring-based over the lowercased message, and every lexicon is
// consulted regardless of the customer's language, since guests mix
// languages freely (Arabic speakers often answer "ok").
type Policy map[domain.Language]Lexicon

// DefaultPolicy returns the production keyword lists.
func DefaultPolicy() Policy {
	return Policy{
		domain.LanguageArabic: {
			ThankYou: []string{"شكرا", "مشكور", "تمام"},
			Negative: []string{"سيء"},
			Positive: []string{"ممتاز", "رائع"},
		},
		domain.LanguageEnglish: {
			ThankYou: []string{"thank", "ok"},
			Negative: []string{"bad", "poor", "terrible", "horrible", "worst"},
			Positive: []string{"excellent", "great", "amazing", "wonderful"},
		},
	}
}

// Classifier turns an inbound message into a Classification. It is pure:
// no I/O, and the same input always yields the same output.
type Classifier struct {
	policy Policy
}

// New builds a Classifier; a nil policy selects DefaultPolicy.
func New(policy Policy) *Classifier {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Classifier{policy: policy}
}

// Classify maps message text to a rating, a thank-you, or free text with a
// derived sentiment. It never fails: anything unrecognized degrades to free
// text with neutral sentiment.
//
// A rating is exactly one token matching one of the digits 1-4 (Arabic-Indic
// digit forms included). Out-of-range digits such as "0" or "5" are NOT
// clamped; they classify as free text so an invalid rating is never recorded.
// A negative sentiment marker outweighs a positive one, because follow-up
// escalation must not be missed.
func (c *Classifier) Classify(text string, lang domain.Language) domain.Classification {
	message := strings.ToLower(strings.TrimSpace(text))

	if n, ok := ratingValue(message); ok {
		return domain.NewRatingClassification(n)
	}
	if c.matches(message, lang, func(l Lexicon) []string { return l.ThankYou }) {
		return domain.NewThankYouClassification()
	}
	if c.matches(message, lang, func(l Lexicon) []string { return l.Negative }) {
		return domain.NewFreeTextClassification(domain.SentimentNegative)
	}
	if c.matches(message, lang, func(l Lexicon) []string { return l.Positive }) {
		return domain.NewFreeTextClassification(domain.SentimentPositive)
	}
	return domain.NewFreeTextClassification(domain.SentimentNeutral)
}

func (c *Classifier) matches(message string, lang domain.Language, pick func(Lexicon) []string) bool {
	if lex, ok := c.policy[lang]; ok {
		if containsAny(message, pick(lex)) {
			return true
		}
	}
	for l, lex := range c.policy {
		if l == lang {
			continue
		}
		if containsAny(message, pick(lex)) {
			return true
		}
	}
	return false
}

// ratingValue reports whether the message is exactly one token naming a
// rating between 1 and 4.
func ratingValue(message string) (int, bool) {
	fields := strings.Fields(normalizeDigits(message))
	if len(fields) != 1 {
		return 0, false
	}
	switch fields[0] {
	case "1":
		return 1, true
	case "2":
		return 2, true
	case "3":
		return 3, true
	case "4":
		return 4, true
	}
	return 0, false
}

// normalizeDigits folds Arabic-Indic (U+0660) and Eastern Arabic-Indic
// (U+06F0) digits onto their ASCII forms.
func normalizeDigits(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '٠' && r <= '٩':
			return '0' + (r - '٠')
		case r >= '۰' && r <= '۹':
			return '0' + (r - '۰')
		}
		return r
	}, s)
}

func containsAny(message string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(message, p) {
			return true
		}
	}
	return false
}
