package chathub

import (
	"careline/backend/internal/config"
	"context"

	"github.com/cenkalti/backoff/v4"
)

// Retrier re-runs transient store failures with exponential backoff.
// Domain errors (claimed request, ended chat, ...) are returned at once.
type Retrier struct {
	NewBackOff func() backoff.BackOff
}

// DefaultRetrier uses the intervals from config.
func DefaultRetrier() Retrier {
	return Retrier{NewBackOff: func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = config.RetryInitialInterval
		b.MaxInterval = config.RetryMaxInterval
		b.MaxElapsedTime = config.RetryMaxElapsedTime
		return b
	}}
}

func (r Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	op := func() error {
		err := fn(ctx)
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(r.NewBackOff(), ctx))
}
