package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecaradonna/stableyield/internal/errs"
)

func TestRetry_SucceedsWithoutRetryOnFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryPolicy(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	p := RetryPolicy{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond, MaxAttempts: 5}
	err := Retry(context.Background(), p, func() error {
		calls++
		if calls < 3 {
			return &errs.AdapterError{SourceID: "x", Kind: errs.Transient, Err: errors.New("retry me")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_DoesNotRetryAuthErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryPolicy(), func() error {
		calls++
		return &errs.AdapterError{SourceID: "x", Kind: errs.Auth, Err: errors.New("bad creds")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	p := RetryPolicy{Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond, MaxAttempts: 3}
	err := Retry(context.Background(), p, func() error {
		calls++
		return &errs.AdapterError{SourceID: "x", Kind: errs.RateLimited, Err: errors.New("slow down")}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{Base: 50 * time.Millisecond, Factor: 2, Cap: time.Second, MaxAttempts: 5}

	calls := 0
	err := Retry(ctx, p, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return &errs.AdapterError{SourceID: "x", Kind: errs.Transient, Err: errors.New("retry me")}
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestBackoffDelay_RespectsCap(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Factor: 2, Cap: 3 * time.Second, MaxAttempts: 10}
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(p, attempt)
		assert.LessOrEqual(t, d, p.Cap)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
