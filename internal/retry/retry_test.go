package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/gasmeter-sensor/internal/retry"
)

var fastPolicy = retry.Policy{
	MaxAttempts: 3,
	Backoff:     time.Millisecond,
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), clockwork.NewRealClock(), fastPolicy, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	var retried []int
	p := fastPolicy
	p.OnRetry = func(attempt int, _ error, backoff time.Duration) {
		retried = append(retried, attempt)
		assert.Equal(t, time.Millisecond, backoff)
	}

	err := retry.Do(context.Background(), clockwork.NewRealClock(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New("down")
	err := retry.Do(context.Background(), clockwork.NewRealClock(), fastPolicy, func(context.Context) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad credentials")
	err := retry.Do(context.Background(), clockwork.NewRealClock(), fastPolicy, func(context.Context) error {
		calls++
		return retry.Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Policy{Backoff: time.Hour}

	calls := 0
	err := retry.Do(ctx, clockwork.NewRealClock(), p, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_UnboundedWaitsOnClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := retry.Policy{Backoff: 5 * time.Second}

	calls := make(chan int, 10)
	n := 0
	done := make(chan error, 1)
	go func() {
		done <- retry.Do(context.Background(), clock, p, func(context.Context) error {
			n++
			calls <- n
			if n < 4 {
				return errors.New("broker unreachable")
			}
			return nil
		})
	}()

	for i := 1; i < 4; i++ {
		assert.Equal(t, i, <-calls)
		clock.BlockUntil(1)
		clock.Advance(5 * time.Second)
	}
	assert.Equal(t, 4, <-calls)
	require.NoError(t, <-done)
}
