package adapters

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ecaradonna/stableyield/internal/errs"
)

// RetryPolicy configures §4.1's backoff schedule for TRANSIENT and
// RATE_LIMITED adapter failures: base 500ms, factor 2, cap 30s, full
// jitter.
type RetryPolicy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the spec's documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 500 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, MaxAttempts: 5}
}

// Retry calls fn, retrying with full-jitter exponential backoff when fn
// returns a retryable *errs.AdapterError (§4.1: TRANSIENT, RATE_LIMITED).
// AUTH and MALFORMED errors, and any error not of that type, return
// immediately without retrying — the teacher's
// `internal/clients/yahoo/client.go` GetCurrentPrice uses the same
// try-then-backoff-then-retry shape, extended here with full jitter instead
// of a bare exponential sleep.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var adapterErr *errs.AdapterError
		if !errors.As(lastErr, &adapterErr) || !adapterErr.Retryable() {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(p, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoffDelay computes the full-jitter delay for the given attempt number
// (0-indexed): a uniform random value in [0, min(cap, base*factor^attempt)].
func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	maxDelay := float64(p.Base) * pow(p.Factor, attempt)
	if cap := float64(p.Cap); maxDelay > cap {
		maxDelay = cap
	}
	if maxDelay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(maxDelay) + 1))
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
