package domain

import (
	"database/sql/driver"
	"fmt"
)

// Sentiment is the derived tone of a customer's feedback.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Value implements the driver.Valuer interface for Sentiment.
func (s Sentiment) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements the sql.Scanner interface for Sentiment.
func (s *Sentiment) Scan(value interface{}) error {
	strVal, ok := value.(string)
	if !ok {
		bytesVal, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("failed to scan Sentiment: value is not string or []byte, it is %T", value)
		}
		strVal = string(bytesVal)
	}
	*s = Sentiment(strVal)
	switch *s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return nil
	default:
		return fmt.Errorf("unknown Sentiment value: %s", strVal)
	}
}

// ClassificationKind is the top-level shape of an inbound reply.
type ClassificationKind string

const (
	KindRating   ClassificationKind = "rating"
	KindThankYou ClassificationKind = "thank_you"
	KindFreeText ClassificationKind = "free_text"
)

// Classification is the classifier's verdict on one inbound message.
// Rating is meaningful only for KindRating and is always within 1..4;
// Sentiment is meaningful only for KindFreeText. Use the constructors so
// invalid combinations cannot be built.
type Classification struct {
	Kind      ClassificationKind
	Rating    int
	Sentiment Sentiment
}

// NewRatingClassification builds a rating verdict. Panics outside 1..4;
// the classifier guarantees the range before calling.
func NewRatingClassification(n int) Classification {
	if n < 1 || n > 4 {
		panic(fmt.Sprintf("rating out of range: %d", n))
	}
	return Classification{Kind: KindRating, Rating: n}
}

// NewThankYouClassification builds a thank-you verdict.
func NewThankYouClassification() Classification {
	return Classification{Kind: KindThankYou}
}

// NewFreeTextClassification builds a free-text verdict with its derived sentiment.
func NewFreeTextClassification(s Sentiment) Classification {
	return Classification{Kind: KindFreeText, Sentiment: s}
}
