// Package retry runs an operation again after failures, waiting between attempts
// according to a Policy.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// DefaultBase is the first backoff unit of Exponential.
const DefaultBase = time.Second

// MaxWait caps a single Exponential wait.
const MaxWait = 10 * time.Minute

// Policy decides the wait before the next attempt. attempt is the number of the
// attempt that just failed, counted from 1.
type Policy interface {
	TryNum(attempt int) (wait time.Duration, stop bool)
}

// Exponential waits base*2^attempt after each failure, at most MaxWait, and stops
// after maxAttempts.
type Exponential struct {
	base        time.Duration
	maxAttempts int
}

// NewExponential creates an Exponential policy. maxAttempts below 1 means a single
// attempt; a non-positive base uses DefaultBase.
func NewExponential(base time.Duration, maxAttempts int) *Exponential {
	if base <= 0 {
		base = DefaultBase
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Exponential{base: base, maxAttempts: maxAttempts}
}

func (e *Exponential) TryNum(attempt int) (time.Duration, bool) {
	if attempt >= e.maxAttempts {
		return 0, true
	}
	if e.base > MaxWait>>uint(attempt) {
		return MaxWait, false
	}
	return e.base << uint(attempt), false
}

// Constant waits the same interval between attempts.
type Constant struct {
	interval    time.Duration
	maxAttempts int
}

func NewConstant(interval time.Duration, maxAttempts int) *Constant {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Constant{interval: interval, maxAttempts: maxAttempts}
}

func (c *Constant) TryNum(attempt int) (time.Duration, bool) {
	if attempt >= c.maxAttempts {
		return 0, true
	}
	return c.interval, false
}

// Do calls fn until it succeeds or the policy stops. It returns the number of
// attempts made and the last error. A cancelled context ends the wait early and
// Do returns the last error of fn annotated with the cancellation.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}

		wait, stop := p.TryNum(attempt)
		if stop {
			return attempt, err
		}

		if sleepErr := Sleep(ctx, wait); sleepErr != nil {
			return attempt, errors.WithMessage(err, "retry interrupted: "+sleepErr.Error())
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
