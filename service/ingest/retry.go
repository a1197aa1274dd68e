package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of a single operation inside a cycle.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the randomization factor applied to each delay (0..1).
	Jitter float64
}

// DefaultRetryPolicy is three attempts starting at one second and doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0

	retries := 0
	if p.Attempts > 1 {
		retries = p.Attempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// retry runs op until it succeeds, returns a permanent error, or the policy is
// exhausted. onRetry is called before each wait.
func (p RetryPolicy) retry(ctx context.Context, op func() error, onRetry func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(op, p.backOff(ctx), onRetry)
}

// permanent stops retry immediately with err.
func permanent(err error) error {
	return backoff.Permanent(err)
}
