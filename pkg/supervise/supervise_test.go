package supervise

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockUntilDone is the well-behaved component shape: park until shutdown.
func blockUntilDone(runs *atomic.Int32) ComponentFunc {
	return func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestRunStopsComponentsOnCancel(t *testing.T) {
	var runsA, runsB atomic.Int32
	sup := New(Config{}, quietLogger())
	sup.Add("a", blockUntilDone(&runsA))
	sup.Add("b", blockUntilDone(&runsB))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return runsA.Load() == 1 && runsB.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		// ctx.Err() returned during shutdown must not fail the group.
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, int32(1), runsA.Load())
	assert.Equal(t, int32(1), runsB.Load())
}

func TestCleanExitIsNotRestarted(t *testing.T) {
	var runs atomic.Int32
	sup := New(Config{}, quietLogger())
	sup.Add("one-shot", ComponentFunc(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, sup.Run(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
}

func TestPanickingComponentIsRestarted(t *testing.T) {
	var runs atomic.Int32
	sup := New(Config{RestartIntensity: 5, RestartWindow: time.Minute}, quietLogger())
	sup.Add("flaky", ComponentFunc(func(ctx context.Context) error {
		if runs.Add(1) <= 2 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestErrorReturnIsRestarted(t *testing.T) {
	var runs atomic.Int32
	sup := New(Config{RestartIntensity: 5, RestartWindow: time.Minute}, quietLogger())
	sup.Add("flaky", ComponentFunc(func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("transient")
		}
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRestartIntensityFailsGroup(t *testing.T) {
	var crashes, siblingStopped atomic.Int32
	sup := New(Config{RestartIntensity: 2, RestartWindow: time.Minute}, quietLogger())
	sup.Add("crashloop", ComponentFunc(func(ctx context.Context) error {
		crashes.Add(1)
		panic("boom")
	}))
	sup.Add("sibling", ComponentFunc(func(ctx context.Context) error {
		<-ctx.Done()
		siblingStopped.Add(1)
		return nil
	}))

	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crashloop exceeded 2 restarts")

	// Budget of 2 restarts means the third crash fails the group, and the
	// group failure tears the healthy sibling down too.
	assert.Equal(t, int32(3), crashes.Load())
	assert.Equal(t, int32(1), siblingStopped.Load())
}

func TestAddAfterRunPanics(t *testing.T) {
	sup := New(Config{}, quietLogger())
	require.NoError(t, sup.Run(context.Background()))
	assert.Panics(t, func() {
		sup.Add("late", ComponentFunc(func(ctx context.Context) error { return nil }))
	})
}
