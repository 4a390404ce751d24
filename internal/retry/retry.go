// Package retry runs operations under an exponential backoff policy.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds the number of attempts and the wait between them.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// StorePolicy is used for StoreUnavailable: three attempts in total.
func StorePolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// GenerationPolicy is used for GenerationUnavailable: one retry.
func GenerationPolicy() Policy {
	return Policy{
		MaxAttempts:     2,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// Do calls op until it succeeds, returns a non-retryable error, exhausts
// the policy, or ctx is done. A timeout inside op is retried like any
// other retryable error as long as ctx itself is still live. onRetry, if set, runs before each wait.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) error, onRetry func(err error, attempt int)) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(err, attempt)
		}
	}

	return backoff.RetryNotify(operation, b, notify)
}
