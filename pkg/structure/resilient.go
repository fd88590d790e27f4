package structure

import (
	"context"
	"time"

	"github.com/sotto-labs/sotto/pkg/pipeline"
	"github.com/sotto-labs/sotto/pkg/resilience"
)

// Resilient wraps a Client with per-attempt timeouts, retry with
// backoff, an overall budget, and a shared circuit breaker.
type Resilient struct {
	inner   Client
	breaker *resilience.CircuitBreaker
	policy  resilience.RetryPolicy
	budget  pipeline.Budget
}

var _ Client = (*Resilient)(nil)

// NewResilient wraps inner. Zero budget fields fall back to the
// standard structuring deadlines (15s per attempt, 30s overall).
func NewResilient(inner Client, breaker *resilience.CircuitBreaker, policy resilience.RetryPolicy, budget pipeline.Budget) *Resilient {
	if inner == nil {
		panic("structure.NewResilient: inner must not be nil")
	}
	if breaker == nil {
		panic("structure.NewResilient: breaker must not be nil")
	}
	if budget.AttemptTimeout <= 0 {
		budget.AttemptTimeout = 15 * time.Second
	}
	if budget.Overall <= 0 {
		budget.Overall = 30 * time.Second
	}
	return &Resilient{inner: inner, breaker: breaker, policy: policy, budget: budget}
}

// Structure implements Client.
func (r *Resilient) Structure(ctx context.Context, req Request) (*Result, error) {
	return pipeline.Execute(ctx, r.breaker, r.policy, r.budget, func(ctx context.Context) (*Result, error) {
		return r.inner.Structure(ctx, req)
	})
}
