package retry

import (
	"context"
	"time"

	"github.com/tallybook/tallybook/internal/securelog"
)

// DefaultMaxAttempts bounds the attempt loop when Options.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// Options configure a single retried operation.
type Options struct {
	// MaxAttempts is the total attempt budget, including the first try.
	MaxAttempts int
	// OnRetry is invoked before sleeping ahead of the next attempt.
	OnRetry func(attempt, maxAttempts int, delay time.Duration, err error)
	// OnError is invoked once when the operation fails for good.
	OnError func(err error)
}

// Stats records what a retried operation cost.
type Stats struct {
	Attempts   int
	TotalDelay time.Duration
}

// Driver runs fallible operations with classification-driven retry. The zero
// value is not usable; construct with New.
type Driver struct {
	sleep func(ctx context.Context, d time.Duration) error
	delay func(attempt int) time.Duration
}

// New returns a Driver using real sleeps and the package backoff schedule.
func New() *Driver {
	return &Driver{sleep: sleepContext, delay: Delay}
}

// NewWithSleep returns a Driver with a custom sleep function. Tests use this
// to make retry loops instantaneous while keeping the backoff accounting.
func NewWithSleep(sleep func(ctx context.Context, d time.Duration) error) *Driver {
	return &Driver{sleep: sleep, delay: Delay}
}

// Do runs op until it succeeds, fails with a NonRetryable error, or exhausts
// the attempt budget. See DoWithStats for the accounting variant.
func (d *Driver) Do(ctx context.Context, name string, op func(context.Context) error, opts Options) error {
	_, err := d.DoWithStats(ctx, name, op, opts)
	return err
}

// DoWithStats is Do plus attempt/delay accounting for diagnostics.
//
// A NonRetryable classification fails immediately: no sleep, no further
// attempts. Transient and Unknown errors retry after a backoff delay, except
// after the final attempt, which returns the last error without sleeping.
func (d *Driver) DoWithStats(ctx context.Context, name string, op func(context.Context) error, opts Options) (Stats, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var stats Stats
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		stats.Attempts = attempt + 1

		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				securelog.Event(name, "succeeded after retries", stats.Attempts)
			}
			return stats, nil
		}
		lastErr = err

		if Classify(err) == NonRetryable {
			if opts.OnError != nil {
				opts.OnError(err)
			}
			return stats, err
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := d.delay(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, maxAttempts, delay, err)
		}
		stats.TotalDelay += delay
		if err := d.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	if opts.OnError != nil {
		opts.OnError(lastErr)
	}
	return stats, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
