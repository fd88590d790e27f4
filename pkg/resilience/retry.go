package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy describes an exponential backoff schedule with jitter.
type RetryPolicy struct {
	// BaseDelay is the delay before the second attempt. Default: 200ms.
	BaseDelay time.Duration

	// Factor multiplies the delay after each attempt. Default: 2.
	Factor float64

	// JitterPct spreads each delay uniformly by ±JitterPct percent.
	// Default: 25.
	JitterPct int

	// Cap bounds any single delay. Default: 10s.
	Cap time.Duration

	// MaxAttempts is the total number of attempts including the first.
	// Default: 4.
	MaxAttempts int
}

// DefaultRetryPolicy returns the standard external-call schedule:
// 200ms base, factor 2, ±25% jitter, 10s cap, 4 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   200 * time.Millisecond,
		Factor:      2,
		JitterPct:   25,
		Cap:         10 * time.Second,
		MaxAttempts: 4,
	}
}

// withDefaults fills zero fields so a partially specified policy behaves.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	if p.JitterPct < 0 {
		p.JitterPct = d.JitterPct
	}
	if p.Cap <= 0 {
		p.Cap = d.Cap
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Delay computes the backoff before attempt n+1, where n is the 1-based
// attempt that just failed. The exponential value is capped first, then
// jittered into [delay-jitter, delay+jitter].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()

	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Factor
		if time.Duration(delay) >= p.Cap {
			delay = float64(p.Cap)
			break
		}
	}
	if time.Duration(delay) > p.Cap {
		delay = float64(p.Cap)
	}

	if p.JitterPct == 0 {
		return time.Duration(delay)
	}
	jitter := time.Duration(delay) * time.Duration(p.JitterPct) / 100
	if jitter <= 0 {
		return time.Duration(delay)
	}
	// Range: [delay - jitter, delay + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return time.Duration(delay) - jitter + offset
}

// DelayHinter lets an error carry an upstream retry hint (e.g. a 429
// Retry-After). When present and longer than the computed backoff, the hint
// wins.
type DelayHinter interface {
	RetryAfter() time.Duration
}

// Retry runs fn up to p.MaxAttempts times, sleeping p.Delay between
// attempts. retriable decides whether an error is worth another attempt; a
// nil retriable retries everything. Context cancellation aborts the wait
// and returns the context error wrapped around the last attempt's error.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error, retriable func(error) bool) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retriable != nil && !retriable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		var hinter DelayHinter
		if errors.As(lastErr, &hinter) {
			if hint := hinter.RetryAfter(); hint > delay {
				delay = hint
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted after attempt %d: %w", attempt, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", p.MaxAttempts, lastErr)
}
