package retry

import "time"

// Policy computes backoff delays and retry eligibility for failed sends.
// The delay for attempt n is BaseDelay * 2^n, capped at MaxDelay.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NextDelay returns how long to wait before the retry following attempt.
// Attempts are counted from zero: the first failure gets BaseDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failures out of maxRetries.
func (p Policy) ShouldRetry(attempt, maxRetries int) bool {
	return attempt < maxRetries
}
