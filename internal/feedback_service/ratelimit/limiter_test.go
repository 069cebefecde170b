package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_GrantsUpToWindowCeiling(t *testing.T) {
	// An hour-long window makes refill negligible for the test's duration,
	// so the burst capacity is the only source of tokens.
	l := New(Config{
		MaxRequests:    3,
		Window:         time.Hour,
		DailyLimit:     100,
		AcquireTimeout: 50 * time.Millisecond,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
	}

	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAcquire_WindowCeilingUnderConcurrency(t *testing.T) {
	l := New(Config{
		MaxRequests:    3,
		Window:         time.Hour,
		DailyLimit:     100,
		AcquireTimeout: 50 * time.Millisecond,
	})

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(context.Background()) == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), granted.Load())
}

func TestAcquire_DailyLimitBinds(t *testing.T) {
	l := New(Config{
		MaxRequests:    100,
		Window:         time.Second,
		DailyLimit:     2,
		AcquireTimeout: 50 * time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))

	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAcquire_TimeoutReturnsDailyToken(t *testing.T) {
	l := New(Config{
		MaxRequests:    1,
		Window:         time.Hour,
		DailyLimit:     5,
		AcquireTimeout: 30 * time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx))

	// The window bucket is drained for the next hour, so this acquire must
	// give up and hand its daily token back.
	err := l.Acquire(ctx)
	require.ErrorIs(t, err, ErrRateLimited)

	assert.Greater(t, l.daily.Tokens(), 3.9)
}

func TestAcquire_CancelledContext(t *testing.T) {
	l := New(Config{
		MaxRequests:    1,
		Window:         time.Second,
		DailyLimit:     100,
		AcquireTimeout: 5 * time.Second,
	})

	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after context cancellation")
	}
}

func TestAcquire_UncontendedIsImmediate(t *testing.T) {
	l := New(Config{
		MaxRequests:    80,
		Window:         time.Minute,
		DailyLimit:     1000,
		AcquireTimeout: 30 * time.Second,
	})

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
