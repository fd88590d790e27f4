// Sotto session orchestration engine — serves the review API and WebSocket
// gateway, runs per-session actors for the speech-to-note pipeline, and
// manages the background job workers.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/sotto-labs/sotto/pkg/api"
	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/checkpoint"
	"github.com/sotto-labs/sotto/pkg/cleanup"
	"github.com/sotto-labs/sotto/pkg/config"
	"github.com/sotto-labs/sotto/pkg/database"
	"github.com/sotto-labs/sotto/pkg/dispatch"
	"github.com/sotto-labs/sotto/pkg/gateway"
	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/notestore"
	"github.com/sotto-labs/sotto/pkg/observe"
	"github.com/sotto-labs/sotto/pkg/pipeline"
	"github.com/sotto-labs/sotto/pkg/resilience"
	"github.com/sotto-labs/sotto/pkg/session"
	"github.com/sotto-labs/sotto/pkg/structure"
	"github.com/sotto-labs/sotto/pkg/supervise"
	"github.com/sotto-labs/sotto/pkg/transcribe"
	"github.com/sotto-labs/sotto/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	slog.Info("Starting sotto",
		"version", version.Full(),
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Metrics provider — first, so instruments record from the start
	if cfg.Telemetry.MetricsEnabled {
		shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    version.AppName,
			ServiceVersion: version.GitCommit,
		})
		if err != nil {
			slog.Error("Failed to initialize metrics provider", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := shutdownMetrics(context.Background()); err != nil {
				slog.Error("Error shutting down metrics provider", "error", err)
			}
		}()
	}

	// 3. Database and stores
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	noteStore := notestore.NewPostgresStore(dbClient.Pool())
	checkpointStore := checkpoint.NewPostgresStore(dbClient.Pool())
	jobStore := dispatch.NewPostgresStore(dbClient.Pool())

	// 4. Event bus
	eventBus := bus.New(cfg.Bus.SubscriberQueueCapacity)
	defer eventBus.Shutdown()

	// 5. Idempotency guard
	var guard dispatch.Guard
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer func() { _ = rdb.Close() }()
		guard = dispatch.NewRedisGuard(rdb)
		slog.Info("Redis idempotency guard initialized", "addr", cfg.Redis.Addr)
	} else {
		guard = dispatch.NewMemoryGuard()
		slog.Info("Using in-process idempotency guard (single-replica mode)")
	}

	// 6. Dispatcher and note service
	dispatcher := dispatch.NewDispatcher(jobStore, guard, eventBus, cfg.Dispatch, nil)
	noteService := notestore.NewService(noteStore, eventBus, dispatcher, cfg.Pipeline.ConfidenceAutoPostThreshold)

	// 7. Upstream clients, each behind retry + its own circuit breaker
	apiKey := os.Getenv(cfg.Pipeline.OpenAI.APIKeyEnv)

	var transcribeOpts []transcribe.Option
	var structureOpts []structure.Option
	if cfg.Pipeline.OpenAI.BaseURL != "" {
		transcribeOpts = append(transcribeOpts, transcribe.WithBaseURL(cfg.Pipeline.OpenAI.BaseURL))
		structureOpts = append(structureOpts, structure.WithBaseURL(cfg.Pipeline.OpenAI.BaseURL))
	}

	sttClient, err := transcribe.NewOpenAIClient(apiKey, cfg.Pipeline.OpenAI.TranscribeModel, transcribeOpts...)
	if err != nil {
		slog.Error("Failed to initialize transcription client", "error", err)
		os.Exit(1)
	}
	structClient, err := structure.NewOpenAIClient(apiKey, cfg.Pipeline.OpenAI.StructureModel, structureOpts...)
	if err != nil {
		slog.Error("Failed to initialize structuring client", "error", err)
		os.Exit(1)
	}
	visionClient, err := structure.NewOpenAIClient(apiKey, cfg.Pipeline.OpenAI.VisionModel, structureOpts...)
	if err != nil {
		slog.Error("Failed to initialize vision client", "error", err)
		os.Exit(1)
	}

	retryPolicy := resilience.RetryPolicy{
		BaseDelay:   cfg.Pipeline.Retry.BaseDelay,
		Factor:      cfg.Pipeline.Retry.Factor,
		JitterPct:   cfg.Pipeline.Retry.JitterPct,
		Cap:         cfg.Pipeline.Retry.Cap,
		MaxAttempts: cfg.Pipeline.Retry.MaxAttempts,
	}
	breakerFor := func(name string) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:          name,
			MaxFailures:   cfg.Pipeline.Breaker.FailThreshold,
			FailureWindow: cfg.Pipeline.Breaker.FailureWindow,
			ResetTimeout:  cfg.Pipeline.Breaker.HalfOpenAfter,
			HalfOpenMax:   cfg.Pipeline.Breaker.HalfOpenMax,
		})
	}

	transcriber := transcribe.NewResilient(sttClient, breakerFor("transcribe"), retryPolicy, pipeline.Budget{
		AttemptTimeout: cfg.Pipeline.Transcription.AttemptTimeout,
		Overall:        cfg.Pipeline.Transcription.OverallBudget,
	})
	structurer := structure.NewResilient(structClient, breakerFor("structure"), retryPolicy, pipeline.Budget{
		AttemptTimeout: cfg.Pipeline.Structuring.AttemptTimeout,
		Overall:        cfg.Pipeline.Structuring.OverallBudget,
	})
	// Vision refinement runs on the background queue; its own breaker keeps
	// vision failures from tripping the interactive structuring path.
	visionStructurer := structure.NewResilient(visionClient, breakerFor("vision"), retryPolicy, pipeline.Budget{
		AttemptTimeout: cfg.Pipeline.Structuring.AttemptTimeout,
		Overall:        cfg.Pipeline.Structuring.OverallBudget,
	})
	slog.Info("Upstream clients initialized",
		"transcribe_model", cfg.Pipeline.OpenAI.TranscribeModel,
		"structure_model", cfg.Pipeline.OpenAI.StructureModel,
		"vision_model", cfg.Pipeline.OpenAI.VisionModel)

	// 8. Job executors
	var poster dispatch.Poster
	if cfg.Dispatch.PostWebhookURL != "" {
		poster = dispatch.NewWebhookPoster(cfg.Dispatch.PostWebhookURL, nil)
		slog.Info("Webhook poster initialized", "url", cfg.Dispatch.PostWebhookURL)
	} else {
		poster = dispatch.NewLogPoster(nil)
		slog.Info("No post_webhook_url configured, posting to log only")
	}
	dispatcher.Register(models.JobPostNote, dispatch.NewPostNoteExecutor(noteStore, poster, eventBus, nil))
	dispatcher.Register(models.JobRefineWithVision, dispatch.NewRefineExecutor(noteStore, visionStructurer, eventBus, nil))

	// 9. Session registry, REST service, and WebSocket gateway
	registry := session.NewRegistry(session.Deps{
		Bus:         eventBus,
		Checkpoints: checkpointStore,
		Notes:       noteStore,
		Transcriber: transcriber,
		Structurer:  structurer,
		Jobs:        dispatcher,
		Session:     cfg.Session,
		Pipeline:    cfg.Pipeline,
		Logger:      slog.Default(),
	})
	sessionService := session.NewService(registry, checkpointStore, slog.Default())
	gw := gateway.NewGateway(registry, noteService, eventBus, cfg.Server, slog.Default())

	// 10. Supervised background components: worker pool + retention sweeper
	pool := dispatch.NewPool(podID, jobStore, cfg.Dispatch, dispatcher)
	sweeper := cleanup.NewSweeper(cfg.Retention, checkpointStore, jobStore, slog.Default())

	sup := supervise.New(supervise.Config{}, slog.Default())
	sup.Add("dispatch-pool", supervise.ComponentFunc(func(ctx context.Context) error {
		if err := pool.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		pool.Stop()
		return nil
	}))
	sup.Add("retention-sweeper", sweeper)

	supCtx, supCancel := context.WithCancel(ctx)
	defer supCancel()
	supDone := make(chan struct{})
	supErrCh := make(chan error, 1)
	go func() {
		defer close(supDone)
		if err := sup.Run(supCtx); err != nil {
			supErrCh <- err
		}
	}()

	// 11. HTTP server
	httpServer := api.NewServer(cfg.Server, dbClient, sessionService, noteService, dispatcher, gw)
	httpServer.SetPool(pool)
	httpServer.SetRegistry(registry)
	httpServer.SetEventBus(eventBus)
	if cfg.Telemetry.MetricsEnabled {
		httpServer.SetMetricsHandler(observe.Handler())
	}

	serverErrCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			serverErrCh <- err
		}
	}()

	slog.Info("Sotto started",
		"pod_id", podID,
		"workers", cfg.Dispatch.WorkerCount)

	// 12. Wait for a shutdown signal or a fatal component failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-serverErrCh:
		slog.Error("Server error triggered shutdown", "error", err)
	case err := <-supErrCh:
		slog.Error("Supervised component failure triggered shutdown", "error", err)
	}

	// 13. Staged graceful shutdown: background components finish their
	// current work, actors checkpoint and stop, then the listener drains.
	supCancel()
	select {
	case <-supDone:
		slog.Info("Background components stopped gracefully")
	case <-time.After(cfg.Dispatch.GracefulShutdownTimeout):
		slog.Warn("Background component shutdown timeout exceeded — incomplete jobs will be orphan-recovered")
	}

	registryCtx, registryCancel := context.WithTimeout(ctx, 30*time.Second)
	defer registryCancel()
	if err := registry.Shutdown(registryCtx); err != nil {
		slog.Error("Session registry shutdown error", "error", err)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
