package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fast = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", fast, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	cause := errors.New("down")
	err := Retry(context.Background(), "op", fast, func() error {
		calls++
		return cause
	})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	cause := errors.New("bad schema")
	err := Retry(context.Background(), "op", fast, func() error {
		calls++
		return Permanent(cause)
	})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 5*time.Millisecond, "ping", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.NoError(t, WithTimeout(context.Background(), 0, "noop", func(context.Context) error { return nil }))
}
