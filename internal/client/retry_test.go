package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(&statusError{status: 429}))
	assert.True(t, IsRetryable(&statusError{status: 500}))
	assert.True(t, IsRetryable(&statusError{status: 503}))
	assert.False(t, IsRetryable(&statusError{status: 400}))
	assert.False(t, IsRetryable(&statusError{status: 401}))

	assert.True(t, IsRetryable(errors.New("provider rate limit exceeded")))
	assert.True(t, IsRetryable(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsRetryable(errors.New("context deadline exceeded")))
	assert.True(t, IsRetryable(errors.New("model overloaded, try later")))
	assert.False(t, IsRetryable(errors.New("invalid request: unknown field")))
}

func TestIsRetryable_Wrapped(t *testing.T) {
	wrapped := &ExternalServiceError{Service: "embedding", Err: &statusError{status: 502}}
	assert.True(t, IsRetryable(wrapped))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &statusError{status: 503, body: "upstream flaky"}
		}
		return nil
	}, 3, time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetryableFailsFast(t *testing.T) {
	calls := 0
	bad := errors.New("invalid request")
	err := Retry(context.Background(), func() error {
		calls++
		return bad
	}, 3, time.Millisecond)

	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return &statusError{status: 429, body: "rate limit"}
	}, 3, time.Millisecond)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	var se *statusError
	assert.ErrorAs(t, err, &se)
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, func() error {
		calls++
		return &statusError{status: 503}
	}, 5, time.Minute)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
