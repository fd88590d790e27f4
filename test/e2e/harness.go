// Package e2e boots the whole engine — HTTP server, WebSocket gateway,
// session registry, dispatcher and worker pool — against in-memory stores
// and scripted upstream clients, then drives it the way a browser client
// would. Store SQL has its own coverage under test/integration; these
// tests pin down the seams between the components.
package e2e

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sotto-labs/sotto/pkg/api"
	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/checkpoint"
	"github.com/sotto-labs/sotto/pkg/config"
	"github.com/sotto-labs/sotto/pkg/dispatch"
	"github.com/sotto-labs/sotto/pkg/gateway"
	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/notestore"
	"github.com/sotto-labs/sotto/pkg/pipeline"
	"github.com/sotto-labs/sotto/pkg/resilience"
	"github.com/sotto-labs/sotto/pkg/session"
	"github.com/sotto-labs/sotto/pkg/structure"
	"github.com/sotto-labs/sotto/pkg/transcribe"
)

// TestApp is one fully wired engine instance.
type TestApp struct {
	Config *config.Config
	Bus    *bus.Bus

	Notes       notestore.Store
	Checkpoints checkpoint.Store
	JobStore    *dispatch.MemoryStore

	Transcriber *ScriptedTranscriber
	Structurer  *ScriptedStructurer
	Poster      *RecordingPoster

	Dispatcher  *dispatch.Dispatcher
	NoteService *notestore.Service
	Registry    *session.Registry
	Gateway     *gateway.Gateway
	Pool        *dispatch.Pool
	Server      *api.Server

	BaseURL string
	WSURL   string

	t *testing.T
}

type appOptions struct {
	sessionCfg        func(*config.SessionConfig)
	autoPostThreshold float64
	transcript        transcribe.Result
	structured        structure.Result
}

// AppOption tweaks the harness before startup.
type AppOption func(*appOptions)

// WithSessionConfig mutates the session config (grace periods, outbox
// size, mailbox bounds) before the registry is built.
func WithSessionConfig(mutate func(*config.SessionConfig)) AppOption {
	return func(o *appOptions) { o.sessionCfg = mutate }
}

// WithAutoPostThreshold overrides the confidence bar for automatic
// posting.
func WithAutoPostThreshold(threshold float64) AppOption {
	return func(o *appOptions) { o.autoPostThreshold = threshold }
}

// WithDefaultTranscript sets the transcript unscripted STT calls return.
func WithDefaultTranscript(res transcribe.Result) AppOption {
	return func(o *appOptions) { o.transcript = res }
}

// WithDefaultStructured sets the note unscripted structuring calls return.
func WithDefaultStructured(res structure.Result) AppOption {
	return func(o *appOptions) { o.structured = res }
}

// NewTestApp assembles and starts the engine. Shutdown runs via t.Cleanup
// in production order: pool, actors, sockets, listener.
func NewTestApp(t *testing.T, options ...AppOption) *TestApp {
	t.Helper()

	opts := appOptions{
		autoPostThreshold: 0.70,
		transcript:        transcribe.Result{Text: "audio is too quiet", Confidence: 0.74},
		structured:        structure.Result{Text: "Pacing feels slow", Category: "pacing", Confidence: 0.86},
	}
	for _, option := range options {
		option(&opts)
	}

	cfg := config.Default()

	// Timings scaled for tests: confirmation and polling in milliseconds,
	// retry delays short enough that a full posting round trip stays well
	// under a second.
	cfg.Session.ConfirmGrace = 50 * time.Millisecond
	cfg.Dispatch.WorkerCount = 2
	cfg.Dispatch.PollInterval = 10 * time.Millisecond
	cfg.Dispatch.PollIntervalJitter = 2 * time.Millisecond
	cfg.Dispatch.HeartbeatInterval = 20 * time.Millisecond
	cfg.Dispatch.OrphanDetectionInterval = 100 * time.Millisecond
	cfg.Dispatch.OrphanThreshold = time.Second
	cfg.Dispatch.RetryDelay = 10 * time.Millisecond
	cfg.Pipeline.ConfidenceAutoPostThreshold = opts.autoPostThreshold
	if opts.sessionCfg != nil {
		opts.sessionCfg(cfg.Session)
	}

	eventBus := bus.New(cfg.Bus.SubscriberQueueCapacity)
	noteStore := notestore.NewMemoryStore()
	checkpointStore := checkpoint.NewMemoryStore()
	jobStore := dispatch.NewMemoryStore()
	guard := dispatch.NewMemoryGuard()

	dispatcher := dispatch.NewDispatcher(jobStore, guard, eventBus, cfg.Dispatch, nil)
	noteService := notestore.NewService(noteStore, eventBus, dispatcher, cfg.Pipeline.ConfidenceAutoPostThreshold)

	transcriber := NewScriptedTranscriber(opts.transcript)
	structurer := NewScriptedStructurer(opts.structured)
	poster := &RecordingPoster{}

	// The scripted clients sit behind the production resilience wrappers
	// so retries and breakers are part of what these tests exercise.
	retryPolicy := resilience.RetryPolicy{
		BaseDelay:   2 * time.Millisecond,
		Factor:      2,
		JitterPct:   25,
		Cap:         20 * time.Millisecond,
		MaxAttempts: 4,
	}
	budget := pipeline.Budget{AttemptTimeout: 2 * time.Second, Overall: 5 * time.Second}
	breakerFor := func(name string) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:          name,
			MaxFailures:   cfg.Pipeline.Breaker.FailThreshold,
			FailureWindow: cfg.Pipeline.Breaker.FailureWindow,
			ResetTimeout:  cfg.Pipeline.Breaker.HalfOpenAfter,
			HalfOpenMax:   cfg.Pipeline.Breaker.HalfOpenMax,
		})
	}
	resilientTranscriber := transcribe.NewResilient(transcriber, breakerFor("transcribe"), retryPolicy, budget)
	resilientStructurer := structure.NewResilient(structurer, breakerFor("structure"), retryPolicy, budget)

	dispatcher.Register(models.JobPostNote, dispatch.NewPostNoteExecutor(noteStore, poster, eventBus, nil))
	dispatcher.Register(models.JobRefineWithVision, dispatch.NewRefineExecutor(noteStore, resilientStructurer, eventBus, nil))

	registry := session.NewRegistry(session.Deps{
		Bus:         eventBus,
		Checkpoints: checkpointStore,
		Notes:       noteStore,
		Transcriber: resilientTranscriber,
		Structurer:  resilientStructurer,
		Jobs:        dispatcher,
		Session:     cfg.Session,
		Pipeline:    cfg.Pipeline,
	})
	sessionService := session.NewService(registry, checkpointStore, nil)
	gw := gateway.NewGateway(registry, noteService, eventBus, cfg.Server, nil)

	pool := dispatch.NewPool("e2e-pod", jobStore, cfg.Dispatch, dispatcher)
	poolCtx, poolCancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(poolCtx))

	server := api.NewServer(cfg.Server, nil, sessionService, noteService, dispatcher, gw)
	server.SetPool(pool)
	server.SetRegistry(registry)
	server.SetEventBus(eventBus)

	ts := httptest.NewServer(server)

	t.Cleanup(func() {
		poolCancel()
		pool.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, registry.Shutdown(ctx))
		require.NoError(t, gw.Shutdown(ctx))
		eventBus.Shutdown()
		ts.Close()
	})

	return &TestApp{
		Config:      cfg,
		Bus:         eventBus,
		Notes:       noteStore,
		Checkpoints: checkpointStore,
		JobStore:    jobStore,
		Transcriber: transcriber,
		Structurer:  structurer,
		Poster:      poster,
		Dispatcher:  dispatcher,
		NoteService: noteService,
		Registry:    registry,
		Gateway:     gw,
		Pool:        pool,
		Server:      server,
		BaseURL:     ts.URL,
		WSURL:       "ws" + ts.URL[len("http"):],
		t:           t,
	}
}
