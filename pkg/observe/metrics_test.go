package observe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr returns the data point value whose attribute set contains
// key=value, or fails the test.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	require.NotNil(t, met, "metric %q not found", name)
	sum, ok := met.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %q is not a sum", name)

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestGaugesTrackUpAndDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.MailboxDepth.Add(ctx, 5)
	m.MailboxDepth.Add(ctx, -2)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"sotto.sessions.active", 1},
		{"sotto.mailbox.depth", 3},
	}
	for _, tc := range gauges {
		met := findMetric(rm, tc.name)
		require.NotNil(t, met, "metric %q not found", tc.name)
		sum, ok := met.Data.(metricdata.Sum[int64])
		require.True(t, ok, "metric %q is not a sum", tc.name)
		require.NotEmpty(t, sum.DataPoints)
		assert.Equal(t, tc.want, sum.DataPoints[0].Value, tc.name)
	}
}

func TestEventCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEventPublished(ctx, "note.created")
	m.RecordEventPublished(ctx, "note.created")
	m.RecordEventPublished(ctx, "state.changed")
	m.RecordEventDropped(ctx, "transcript.partial")

	rm := collect(t, reader)
	assert.Equal(t, int64(2), sumByAttr(t, rm, "sotto.events.published", "type", "note.created"))
	assert.Equal(t, int64(1), sumByAttr(t, rm, "sotto.events.published", "type", "state.changed"))
	assert.Equal(t, int64(1), sumByAttr(t, rm, "sotto.events.dropped", "type", "transcript.partial"))
}

func TestStageDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStage(ctx, "transcription", "ok", 0.42)
	m.RecordStage(ctx, "transcription", "ok", 1.7)
	m.RecordStage(ctx, "structuring", "error", 0.05)

	rm := collect(t, reader)
	met := findMetric(rm, "sotto.stage.duration")
	require.NotNil(t, met, "histogram not found")
	hist, ok := met.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "metric is not a histogram")

	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	assert.Equal(t, uint64(3), total)
}

func TestExternalCallAndBreakerCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordExternalCall(ctx, "transcription", "ok")
	m.RecordExternalCall(ctx, "transcription", "error")
	m.RecordExternalCall(ctx, "transcription", "rejected")
	m.RecordBreakerTransition(ctx, "transcription", "closed", "open")

	rm := collect(t, reader)
	assert.Equal(t, int64(1), sumByAttr(t, rm, "sotto.external.calls", "outcome", "rejected"))
	assert.Equal(t, int64(1), sumByAttr(t, rm, "sotto.breaker.transitions", "to", "open"))
}

func TestJobCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordJobExecution(ctx, "post_note", "succeeded")
	m.RecordJobExecution(ctx, "post_note", "retried")
	m.RecordJobRetry(ctx, "post_note")
	m.RecordJobExecution(ctx, "refine_with_vision", "dead_letter")
	m.RecordJobDeadLetter(ctx, "refine_with_vision")

	rm := collect(t, reader)
	assert.Equal(t, int64(1), sumByAttr(t, rm, "sotto.jobs.executions", "outcome", "succeeded"))
	assert.Equal(t, int64(1), sumByAttr(t, rm, "sotto.jobs.retries", "kind", "post_note"))
	assert.Equal(t, int64(1), sumByAttr(t, rm, "sotto.jobs.dead_letters", "kind", "refine_with_vision"))
}

func TestDefaultMetricsReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	assert.Same(t, a, b)
}
