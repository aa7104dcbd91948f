package gateway

import (
	"context"
	"time"
)

const (
	defaultBaseBackoff = 200 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
)

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: defaultBaseBackoff,
		MaxBackoff:  defaultMaxBackoff,
	}
}

func (p RetryPolicy) Normalize() RetryPolicy {
	out := p
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = defaultBaseBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = defaultMaxBackoff
	}
	if out.MaxBackoff < out.BaseBackoff {
		out.MaxBackoff = out.BaseBackoff
	}
	return out
}

func (p RetryPolicy) backoffForAttempt(retryNumber int) time.Duration {
	if retryNumber < 1 {
		retryNumber = 1
	}
	delay := p.BaseBackoff
	for i := 1; i < retryNumber; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Do runs fn up to MaxAttempts times with exponential backoff,
// stopping early when fn succeeds, returns a non-retryable error, or
// ctx is done. The last error is returned on exhaustion.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	policy := p.Normalize()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == policy.MaxAttempts {
			break
		}

		backoff := policy.backoffForAttempt(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}
