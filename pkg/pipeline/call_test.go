package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sotto-labs/sotto/pkg/resilience"
)

func fastRetry() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		BaseDelay:   time.Millisecond,
		Factor:      2,
		Cap:         5 * time.Millisecond,
		MaxAttempts: 3,
	}
}

func newBreaker() *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "test"})
}

func TestExecuteReturnsResult(t *testing.T) {
	calls := 0
	out, err := Execute(context.Background(), newBreaker(), fastRetry(), Budget{}, func(context.Context) (string, error) {
		calls++
		return "transcript", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "transcript", out)
	assert.Equal(t, 1, calls)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	calls := 0
	out, err := Execute(context.Background(), newBreaker(), fastRetry(), Budget{}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, NewError("transcribe", KindUpstream, errors.New("502"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, 3, calls)
}

func TestExecuteStopsOnTerminalFailure(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(), newBreaker(), fastRetry(), Budget{}, func(context.Context) (int, error) {
		calls++
		return 0, NewError("structure", KindInvalidInput, errors.New("400"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestExecuteHonorsOverallBudget(t *testing.T) {
	policy := resilience.RetryPolicy{BaseDelay: time.Hour, Factor: 2, Cap: time.Hour, MaxAttempts: 4}

	start := time.Now()
	_, err := Execute(context.Background(), newBreaker(), policy, Budget{Overall: 30 * time.Millisecond}, func(context.Context) (int, error) {
		return 0, NewError("transcribe", KindUpstream, errors.New("503"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteAppliesAttemptTimeout(t *testing.T) {
	calls := 0
	_, err := Execute(context.Background(), newBreaker(), fastRetry(), Budget{AttemptTimeout: 20 * time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, 3, calls)
}

func TestExecuteFailsFastWhenBreakerOpen(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:         "open",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	for i := 0; i < 2; i++ {
		_ = breaker.Execute(func() error { return errors.New("boom") })
	}
	require.Equal(t, resilience.StateOpen, breaker.State())

	calls := 0
	_, err := Execute(context.Background(), breaker, fastRetry(), Budget{}, func(context.Context) (int, error) {
		calls++
		return 0, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 0, calls)
}
