// Package observe provides the engine's observability primitives:
// OpenTelemetry metric instruments and the Prometheus exporter bridge that
// feeds the /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs an SDK meter provider backed by a Prometheus reader; until it
// runs, instruments created from the global provider are no-ops, and the
// global delegation wires them up retroactively once the SDK is in place. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a private
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all engine metrics.
const meterName = "github.com/sotto-labs/sotto"

// Metrics holds all OpenTelemetry metric instruments for the engine.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges (UpDownCounters) ---

	// ActiveSessions tracks the number of resident session actors.
	ActiveSessions metric.Int64UpDownCounter

	// MailboxDepth tracks queued messages across all session mailboxes.
	MailboxDepth metric.Int64UpDownCounter

	// --- Event fan-out ---

	// EventsPublished counts events published on the in-process bus. Use
	// with attribute:
	//   attribute.String("type", ...)
	EventsPublished metric.Int64Counter

	// EventsDropped counts events evicted from saturated subscriber
	// queues. Use with attribute:
	//   attribute.String("type", ...)
	EventsDropped metric.Int64Counter

	// --- Pipeline ---

	// StageDuration tracks pipeline stage latency. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("outcome", ...)
	StageDuration metric.Float64Histogram

	// --- External calls ---

	// ExternalCalls counts call attempts through the circuit breakers.
	// Use with attributes:
	//   attribute.String("target", ...), attribute.String("outcome", ...)
	ExternalCalls metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Jobs ---

	// JobExecutions counts finalized job executions. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	JobExecutions metric.Int64Counter

	// JobRetries counts job attempts requeued for retry. Use with
	// attribute:
	//   attribute.String("kind", ...)
	JobRetries metric.Int64Counter

	// JobDeadLetters counts jobs parked in the dead-letter state. Use
	// with attribute:
	//   attribute.String("kind", ...)
	JobDeadLetters metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// pipeline stages, from sub-100ms transcriptions to slow vision-model calls.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sotto.sessions.active",
		metric.WithDescription("Number of resident session actors."),
	); err != nil {
		return nil, err
	}
	if met.MailboxDepth, err = m.Int64UpDownCounter("sotto.mailbox.depth",
		metric.WithDescription("Queued messages across all session mailboxes."),
	); err != nil {
		return nil, err
	}

	// Event fan-out counters.
	if met.EventsPublished, err = m.Int64Counter("sotto.events.published",
		metric.WithDescription("Total events published on the in-process bus by type."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("sotto.events.dropped",
		metric.WithDescription("Total events evicted from saturated subscriber queues by type."),
	); err != nil {
		return nil, err
	}

	// Pipeline histogram.
	if met.StageDuration, err = m.Float64Histogram("sotto.stage.duration",
		metric.WithDescription("Latency of pipeline stage calls by stage and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// External call counters.
	if met.ExternalCalls, err = m.Int64Counter("sotto.external.calls",
		metric.WithDescription("Total external call attempts by target and outcome."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("sotto.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}

	// Job counters.
	if met.JobExecutions, err = m.Int64Counter("sotto.jobs.executions",
		metric.WithDescription("Total finalized job executions by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.JobRetries, err = m.Int64Counter("sotto.jobs.retries",
		metric.WithDescription("Total job attempts requeued for retry by kind."),
	); err != nil {
		return nil, err
	}
	if met.JobDeadLetters, err = m.Int64Counter("sotto.jobs.dead_letters",
		metric.WithDescription("Total jobs parked in the dead-letter state by kind."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordEventPublished records one bus publish of the given event type.
func (m *Metrics) RecordEventPublished(ctx context.Context, eventType string) {
	m.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordEventDropped records one event lost to a saturated subscriber queue.
func (m *Metrics) RecordEventDropped(ctx context.Context, eventType string) {
	m.EventsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordStage records one pipeline stage call with its latency in seconds.
func (m *Metrics) RecordStage(ctx context.Context, stage, outcome string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordExternalCall records one call attempt against an external target.
func (m *Metrics) RecordExternalCall(ctx context.Context, target, outcome string) {
	m.ExternalCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("target", target),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordBreakerTransition records one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordJobExecution records one finalized job execution.
func (m *Metrics) RecordJobExecution(ctx context.Context, kind, outcome string) {
	m.JobExecutions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordJobRetry records one job attempt requeued for retry.
func (m *Metrics) RecordJobRetry(ctx context.Context, kind string) {
	m.JobRetries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordJobDeadLetter records one job parked in the dead-letter state.
func (m *Metrics) RecordJobDeadLetter(ctx context.Context, kind string) {
	m.JobDeadLetters.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
