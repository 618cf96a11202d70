// Package retry holds the backoff policy shared by lock acquisition and the
// worker loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrExhausted is returned by Do when every attempt reported "not yet".
var ErrExhausted = errors.New("retry attempts exhausted")

// DelayFunc returns the wait before the next attempt; attempt is zero-based.
type DelayFunc func(attempt int) time.Duration

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Policy struct {
	MaxAttempts int
	Delay       DelayFunc
	Sleep       SleepFunc
}

func Constant(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// Exponential doubles base per attempt up to max, with +/-20% jitter.
func Exponential(base, max time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		if attempt > 30 {
			attempt = 30
		}
		d := base * time.Duration(1<<attempt)
		if d > max || d <= 0 {
			d = max
		}
		jitter := 0.8 + rand.Float64()*0.4
		return time.Duration(float64(d) * jitter)
	}
}

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p Policy) Wait(ctx context.Context, attempt int) error {
	var d time.Duration
	if p.Delay != nil {
		d = p.Delay(attempt)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	return sleep(ctx, d)
}

// Do calls fn until it reports done, returns an error, or MaxAttempts is
// reached. It returns the zero-based attempt that finished. No wait follows
// the final attempt.
func (p Policy) Do(ctx context.Context, fn func(attempt int) (done bool, err error)) (int, error) {
	if p.MaxAttempts < 1 {
		return 0, fmt.Errorf("retry: max attempts must be positive, got %d", p.MaxAttempts)
	}
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		done, err := fn(attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		if err := p.Wait(ctx, attempt); err != nil {
			return attempt, err
		}
	}
	return p.MaxAttempts, ErrExhausted
}
