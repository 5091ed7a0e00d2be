// Package resilience provides retry-with-backoff and circuit breaking for
// calls to unreliable upstreams.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/webtools/internal/model"
)

// Policy controls retry behavior with exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first try.
	// 1 disables retry entirely. Default: 3.
	MaxAttempts int

	// BaseDelay is the wait before the first retry; attempt n waits
	// min(MaxDelay, BaseDelay * 2^(n-1)). Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 30s.
	MaxDelay time.Duration

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0 = none, 0.5 = ±50%). Default: 0.25.
	JitterFraction float64

	// Retryable overrides the default transient-error check. If nil,
	// IsTransient is used.
	Retryable func(err error) bool

	// OnRetry is called before each backoff sleep with the attempt number
	// that just failed and its error.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy returns the retry policy used for outbound web calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.25,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// Do executes fn under p, retrying transient failures. A success
// short-circuits immediately; a non-retryable failure or exhausted attempts
// propagates the last error. An expired deadline during backoff surfaces as
// a timeout carrying the last attempt's error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for operations that return a value.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, deadlineError(ctx, lastErr)
		}

		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, deadlineError(ctx, lastErr)
		}
		if !retryable(lastErr) || attempt == p.MaxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}

		timer := time.NewTimer(backoff(attempt, p))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, deadlineError(ctx, lastErr)
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// backoff computes the delay after the given 1-based attempt.
func backoff(attempt int, p Policy) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		jitterRange := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// deadlineError maps an expired context to the structured timeout kind,
// preserving the last attempt's error. Plain cancellation is passed through.
func deadlineError(ctx context.Context, lastErr error) error {
	if ctx.Err() == context.Canceled {
		if lastErr != nil {
			return lastErr
		}
		return ctx.Err()
	}
	cause := lastErr
	if cause == nil {
		cause = ctx.Err()
	}
	return model.WrapError(model.KindTimeout, cause, "retry: deadline expired")
}

// Logged returns an OnRetry callback that logs each retry attempt.
func Logged(component, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("component", component),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
