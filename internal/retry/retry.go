package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a reusable retry policy: exponential backoff with a capped
// number of attempts. The zero value performs a single attempt; construct
// with NewPolicy to enable retries.
type Policy struct {
	baseDelay   time.Duration
	multiplier  float64
	maxAttempts int
}

// NewPolicy creates a policy that allows maxAttempts total attempts with
// exponential backoff starting at baseDelay.
func NewPolicy(baseDelay time.Duration, multiplier float64, maxAttempts int) Policy {
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if multiplier < 1 {
		multiplier = 2
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Policy{
		baseDelay:   baseDelay,
		multiplier:  multiplier,
		maxAttempts: maxAttempts,
	}
}

// Permanent marks err as non-retriable: Do returns it immediately without
// consuming further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Do runs op until it succeeds, returns a permanent error, the context is
// cancelled, or maxAttempts attempts have been made. It returns the last
// error together with the number of attempts performed.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) (attempts int, err error) {
	maxAttempts := p.maxAttempts
	if maxAttempts < 1 {
		// A zero-value Policy still gets exactly one attempt.
		maxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.baseDelay
	bo.Multiplier = p.multiplier
	bo.MaxElapsedTime = 0 // attempt count is the only cap

	wrapped := func() error {
		attempts++
		return op(ctx)
	}

	err = backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return attempts, perm.Unwrap()
		}
	}
	return attempts, err
}
