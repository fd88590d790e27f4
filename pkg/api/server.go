// Package api exposes the engine's HTTP surface: the REST routes under
// /api/v1, the WebSocket upgrade, and the health and metrics endpoints.
// Handlers translate between HTTP and the session, note, and dispatch
// services; no domain logic lives here.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/config"
	"github.com/sotto-labs/sotto/pkg/database"
	"github.com/sotto-labs/sotto/pkg/dispatch"
	"github.com/sotto-labs/sotto/pkg/gateway"
	"github.com/sotto-labs/sotto/pkg/notestore"
	"github.com/sotto-labs/sotto/pkg/session"
)

// Server wires the HTTP routes to the domain services. Echo handles
// routing; the listener itself is a plain http.Server so shutdown
// draining stays under the caller's control.
type Server struct {
	cfg      *config.ServerConfig
	db       *database.Client
	sessions *session.Service
	notes    *notestore.Service
	jobs     *dispatch.Dispatcher
	gateway  *gateway.Gateway

	// Optional collaborators, attached via setters before Start.
	pool     *dispatch.Pool
	registry *session.Registry
	eventBus *bus.Bus
	metrics  http.Handler

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(
	cfg *config.ServerConfig,
	db *database.Client,
	sessions *session.Service,
	notes *notestore.Service,
	jobs *dispatch.Dispatcher,
	gw *gateway.Gateway,
) *Server {
	if cfg == nil {
		cfg = config.DefaultServerConfig()
	}
	s := &Server{
		cfg:      cfg,
		db:       db,
		sessions: sessions,
		notes:    notes,
		jobs:     jobs,
		gateway:  gw,
		echo:     echo.New(),
	}
	s.setupRoutes()
	return s
}

// SetPool attaches the dispatch worker pool for health reporting.
func (s *Server) SetPool(pool *dispatch.Pool) {
	s.pool = pool
}

// SetRegistry attaches the session registry for health reporting.
func (s *Server) SetRegistry(registry *session.Registry) {
	s.registry = registry
}

// SetEventBus attaches the event bus for health reporting.
func (s *Server) SetEventBus(eventBus *bus.Bus) {
	s.eventBus = eventBus
}

// SetMetricsHandler attaches the Prometheus scrape handler. When unset,
// GET /metrics responds 404.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

func (s *Server) setupRoutes() {
	e := s.echo
	e.Use(securityHeaders())

	e.GET("/healthz", s.healthHandler)
	e.GET("/ws", s.wsHandler)
	e.GET("/metrics", s.metricsHandler)

	e.POST("/api/v1/sessions", s.ensureSessionHandler)
	e.GET("/api/v1/sessions", s.listSessionsHandler)
	e.GET("/api/v1/sessions/:id", s.getSessionHandler)
	e.POST("/api/v1/sessions/:id/cancel", s.cancelSessionHandler)

	e.GET("/api/v1/videos/:video_id/notes", s.listVideoNotesHandler)
	e.GET("/api/v1/notes/:id", s.getNoteHandler)
	e.POST("/api/v1/notes/:id/archive", s.archiveNoteHandler)
	e.POST("/api/v1/notes/:id/refine", s.refineNoteHandler)
	e.POST("/api/v1/notes/:id/post", s.postNoteHandler)

	e.GET("/api/v1/jobs/:id", s.getJobHandler)
}

// metricsHandler serves the Prometheus scrape endpoint when a handler
// has been attached.
func (s *Server) metricsHandler(c *echo.Context) error {
	if s.metrics == nil {
		return echo.NewHTTPError(http.StatusNotFound, "metrics not enabled")
	}
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

// ServeHTTP makes the server usable as a plain handler in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr and blocks until the listener fails or Shutdown
// is called. Returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests, then closes remaining WebSocket
// connections. Bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.gateway != nil {
		// WebSocket connections are hijacked and invisible to
		// httpServer.Shutdown; close them first so draining can finish.
		if err := s.gateway.Shutdown(ctx); err != nil {
			return err
		}
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
