package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsOnSuccess(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return NewModelError(KindTimeout, errors.New("slow upstream"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoDoesNotRetryNonRetryable(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	boom := errors.New("bad request")
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable errors must not retry, got %d attempts", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return NewModelError(KindRateLimited, errors.New("429"))
	})
	var modelErr *ModelError
	if !errors.As(err, &modelErr) || modelErr.Kind != KindRateLimited {
		t.Fatalf("expected the last model error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseBackoff: time.Hour, MaxBackoff: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := policy.Do(ctx, func() error {
		calls++
		return NewModelError(KindTimeout, errors.New("slow"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt before cancellation, got %d", calls)
	}
}

func TestBackoffDoubling(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}.Normalize()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{4, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := policy.backoffForAttempt(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	policy := RetryPolicy{}.Normalize()
	if policy.MaxAttempts != 1 {
		t.Fatalf("expected MaxAttempts 1, got %d", policy.MaxAttempts)
	}
	if policy.BaseBackoff <= 0 || policy.MaxBackoff < policy.BaseBackoff {
		t.Fatalf("backoff defaults out of order: %+v", policy)
	}
}
