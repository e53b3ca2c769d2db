package retry

import (
	"context"
	"time"
)

// Options configure Do.
type Options struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int

	// Delay is the wait before the second attempt.
	Delay time.Duration

	// Multiplier scales the delay after each failed attempt. Values below
	// one keep the delay fixed.
	Multiplier float64

	// MaxDelay caps the delay when Multiplier grows it.
	MaxDelay time.Duration

	// RetryIf decides whether an error is retried. Defaults to retrying
	// every error not marked non-recoverable.
	RetryIf func(err error) bool

	// OnRetry is called before sleeping ahead of a retry.
	OnRetry func(attempt int, err error)
}

// Option modifies Options.
type Option func(*Options)

// WithMaxAttempts sets the total number of calls
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithDelay sets the wait between attempts
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithBackoff grows the delay by multiplier after each attempt, up to max
func WithBackoff(multiplier float64, max time.Duration) Option {
	return func(o *Options) {
		o.Multiplier = multiplier
		o.MaxDelay = max
	}
}

// WithRetryIf sets the predicate selecting retryable errors
func WithRetryIf(fn func(err error) bool) Option {
	return func(o *Options) { o.RetryIf = fn }
}

// WithOnRetry sets a hook called before each retry
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(o *Options) { o.OnRetry = fn }
}

// Do calls fn until it succeeds, returns an error that is not retryable, the
// attempts are exhausted, or ctx is done. fn receives the 1-based attempt
// number. The last error from fn is returned.
func Do(ctx context.Context, fn func(attempt int) error, opts ...Option) error {
	o := Options{MaxAttempts: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.RetryIf == nil {
		o.RetryIf = func(err error) bool { return !IsPermanent(err) }
	}

	delay := o.Delay
	var err error
	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == o.MaxAttempts || !o.RetryIf(err) || ctx.Err() != nil {
			return err
		}
		if o.OnRetry != nil {
			o.OnRetry(attempt, err)
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
		if o.Multiplier > 1 {
			delay = time.Duration(float64(delay) * o.Multiplier)
			if o.MaxDelay > 0 && delay > o.MaxDelay {
				delay = o.MaxDelay
			}
		}
	}
	return err
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
