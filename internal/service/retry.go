package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rookgm/orderflow/internal/models"
)

// RetryPolicy bounds retries of idempotent gateway reads
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
}

// DefaultRetryPolicy is three attempts starting at 200ms
var DefaultRetryPolicy = RetryPolicy{
	Attempts:        3,
	InitialInterval: 200 * time.Millisecond,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retryRead runs op until it succeeds, fails with anything but Unreachable,
// or the policy is exhausted. Never use it for calls with side effects.
func retryRead[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := backoff.Retry(func() error {
		v, err := op(ctx)
		if err != nil {
			if errors.Is(err, models.ErrUpstreamUnreachable) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = v
		return nil
	}, p.backOff(ctx))
	return result, err
}
