package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries transient failures a bounded number of times with
// a fixed pause between attempts. Session state never loops through
// here; only transport adapters wrap their provider calls.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds, attempts run out, or ctx ends. The last
// attempt's error is returned, not the context error: the caller wants
// to know why the provider call failed.
func (r RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if i == r.MaxRetries {
			return err
		}
		select {
		case <-time.After(r.Backoff):
		case <-ctx.Done():
			return err
		}
	}
	return err
}
