package tsbuffer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry runs an operation a bounded number of times, sleeping between
// attempts.
type Retry struct {
	Attempts int
	Delay    time.Duration
	// Factor multiplies the delay after every failed attempt. Values
	// below 1 keep it constant.
	Factor float64
	// Between runs after a failed attempt, before the sleep.
	Between func(attempt int)
}

func (r Retry) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if r.Factor > 1 && r.Delay > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = r.Delay
		eb.Multiplier = r.Factor
		eb.RandomizationFactor = 0
		eb.MaxInterval = time.Duration(math.MaxInt64)
		eb.MaxElapsedTime = 0
		b = eb
	} else {
		b = backoff.NewConstantBackOff(max(r.Delay, 0))
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(r.Attempts, 1)-1)), ctx)
}

// Do calls fn until it returns nil, the budget is spent or ctx is done. It
// returns the number of attempts made and the last error.
func (r Retry) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	var (
		n       int
		lastErr error
	)
	err := backoff.RetryNotify(func() error {
		n++
		lastErr = fn(n)
		return lastErr
	}, r.backOff(ctx), func(error, time.Duration) {
		if r.Between != nil {
			r.Between(n)
		}
	})
	if err == nil {
		return n, nil
	}
	if cerr := ctx.Err(); cerr != nil && lastErr != nil && !errors.Is(lastErr, cerr) {
		// Cancelled between attempts: keep the failure that caused the wait.
		return n, fmt.Errorf("%w: %w", lastErr, cerr)
	}
	return n, err
}
