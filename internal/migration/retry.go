package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/sma-migrate-api/internal/backend"
)

// RetryPolicy describes one retry schedule. With Backoff set the delay grows
// linearly with the attempt count; otherwise it stays fixed.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     bool
}

// retryer wraps backend calls with the engine's two retry schedules: a small
// backoff ceiling for generic transient failures and a much higher fixed-delay
// ceiling for 503s. Backend overload is treated as transient and worth waiting
// out rather than failing fast.
type retryer struct {
	generic  RetryPolicy
	overload RetryPolicy
	sleep    func(ctx context.Context, d time.Duration) error
}

func newRetryer(generic, overload RetryPolicy) *retryer {
	if generic.MaxAttempts <= 0 {
		generic.MaxAttempts = 4
	}
	if generic.Delay <= 0 {
		generic.Delay = time.Second
	}
	if overload.MaxAttempts <= 0 {
		overload.MaxAttempts = 100
	}
	if overload.Delay <= 0 {
		overload.Delay = 500 * time.Millisecond
	}
	return &retryer{generic: generic, overload: overload, sleep: sleepContext}
}

// Do runs op until it succeeds, exhausts its schedule, or fails permanently.
// Transient failures and overload responses are counted against independent
// ceilings; conflicts, validation rejections, and other permanent outcomes
// surface immediately. The label tags the final error for diagnostics.
func (r *retryer) Do(ctx context.Context, label string, op func(context.Context) error) error {
	return r.do(ctx, r.generic, label, op)
}

// DoWith runs op under an overridden generic policy, keeping the overload
// schedule. Used for calls important enough to warrant extra attempts.
func (r *retryer) DoWith(ctx context.Context, generic RetryPolicy, label string, op func(context.Context) error) error {
	return r.do(ctx, generic, label, op)
}

func (r *retryer) do(ctx context.Context, generic RetryPolicy, label string, op func(context.Context) error) error {
	transientAttempts := 0
	overloadAttempts := 0

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", label, ctx.Err())
		}

		var delay time.Duration
		switch backend.KindOf(err) {
		case backend.KindOverloaded:
			overloadAttempts++
			if overloadAttempts >= r.overload.MaxAttempts {
				return fmt.Errorf("%s: overload retries exhausted: %w", label, err)
			}
			delay = r.overload.Delay
		case backend.KindTransient:
			transientAttempts++
			if transientAttempts >= generic.MaxAttempts {
				return fmt.Errorf("%s: retries exhausted: %w", label, err)
			}
			delay = generic.Delay
			if generic.Backoff {
				delay = generic.Delay * time.Duration(transientAttempts)
			}
		default:
			return fmt.Errorf("%s: %w", label, err)
		}

		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
	}
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
