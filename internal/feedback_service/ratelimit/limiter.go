package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when no send token could be acquired within the
// configured timeout. Callers treat it like a transient send failure.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config sizes the buckets gating outbound sends.
type Config struct {
	// MaxRequests per Window, the provider's throughput ceiling.
	MaxRequests int
	Window      time.Duration
	// DailyLimit caps sends per rolling 24 hours.
	DailyLimit int
	// AcquireTimeout bounds how long Acquire may block.
	AcquireTimeout time.Duration
}

// Limiter gates all outbound provider calls process-wide. Two token buckets
// are consulted together: a short-window bucket matching the provider's
// throughput ceiling and a slow bucket spreading the daily quota. A send
// holds one token from each.
type Limiter struct {
	window  *rate.Limiter
	daily   *rate.Limiter
	timeout time.Duration
}

func New(cfg Config) *Limiter {
	windowRate := rate.Limit(float64(cfg.MaxRequests) / cfg.Window.Seconds())
	dailyRate := rate.Limit(float64(cfg.DailyLimit) / (24 * time.Hour).Seconds())
	return &Limiter{
		window:  rate.NewLimiter(windowRate, cfg.MaxRequests),
		daily:   rate.NewLimiter(dailyRate, cfg.DailyLimit),
		timeout: cfg.AcquireTimeout,
	}
}

// Acquire blocks until both buckets grant a token, the acquire timeout
// elapses, or ctx is done. Tokens are reserved up front and handed back on
// abandonment, so a timed-out wait on the window bucket does not burn daily
// quota. Waiters hold reservations in arrival order, which keeps acquisition
// starvation-free.
func (l *Limiter) Acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := time.Now()
	windowRes := l.window.ReserveN(now, 1)
	dailyRes := l.daily.ReserveN(now, 1)
	if !windowRes.OK() || !dailyRes.OK() {
		windowRes.CancelAt(now)
		dailyRes.CancelAt(now)
		return ErrRateLimited
	}

	delay := windowRes.DelayFrom(now)
	if d := dailyRes.DelayFrom(now); d > delay {
		delay = d
	}
	if delay == 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && now.Add(delay).After(deadline) {
		windowRes.CancelAt(now)
		dailyRes.CancelAt(now)
		return ErrRateLimited
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		at := time.Now()
		windowRes.CancelAt(at)
		dailyRes.CancelAt(at)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrRateLimited
		}
		return ctx.Err()
	}
}
