package pipeline

import (
	"context"
	"time"

	"github.com/sotto-labs/sotto/pkg/resilience"
)

// Budget bounds one resilient external call: a hard deadline per attempt
// and an overall deadline across all retries.
type Budget struct {
	AttemptTimeout time.Duration
	Overall        time.Duration
}

// Execute runs fn under the breaker, retrying per policy within the
// budget. Attempts get their own deadline derived from the overall one;
// classified terminal failures and context cancellation stop the retry
// loop immediately.
func Execute[T any](ctx context.Context, breaker *resilience.CircuitBreaker, policy resilience.RetryPolicy, budget Budget, fn func(context.Context) (T, error)) (T, error) {
	var out T

	if budget.Overall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.Overall)
		defer cancel()
	}

	err := resilience.Retry(ctx, policy, func(ctx context.Context) error {
		return breaker.Execute(func() error {
			attemptCtx := ctx
			if budget.AttemptTimeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, budget.AttemptTimeout)
				defer cancel()
			}
			res, err := fn(attemptCtx)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	}, Retriable)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
