package transcribe

import (
	"context"
	"time"

	"github.com/sotto-labs/sotto/pkg/pipeline"
	"github.com/sotto-labs/sotto/pkg/resilience"
)

// Resilient wraps a Client with per-attempt timeouts, retry with
// backoff, an overall budget, and a shared circuit breaker. One instance
// serves all sessions; the breaker state is the per-target one.
type Resilient struct {
	inner   Client
	breaker *resilience.CircuitBreaker
	policy  resilience.RetryPolicy
	budget  pipeline.Budget
}

var _ Client = (*Resilient)(nil)

// NewResilient wraps inner. Zero budget fields fall back to the
// standard transcription deadlines (30s per attempt, 60s overall).
func NewResilient(inner Client, breaker *resilience.CircuitBreaker, policy resilience.RetryPolicy, budget pipeline.Budget) *Resilient {
	if inner == nil {
		panic("transcribe.NewResilient: inner must not be nil")
	}
	if breaker == nil {
		panic("transcribe.NewResilient: breaker must not be nil")
	}
	if budget.AttemptTimeout <= 0 {
		budget.AttemptTimeout = 30 * time.Second
	}
	if budget.Overall <= 0 {
		budget.Overall = 60 * time.Second
	}
	return &Resilient{inner: inner, breaker: breaker, policy: policy, budget: budget}
}

// Transcribe implements Client.
func (r *Resilient) Transcribe(ctx context.Context, req Request) (*Result, error) {
	return pipeline.Execute(ctx, r.breaker, r.policy, r.budget, func(ctx context.Context) (*Result, error) {
		return r.inner.Transcribe(ctx, req)
	})
}
