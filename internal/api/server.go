package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/control"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/tracker"
	"github.com/foxzi/outreach/internal/webhook"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *config.ServerConfig
	control    *control.Service
	tracker    *tracker.Store
	limiter    *ratelimit.Limiter
	ingestor   *webhook.Ingestor
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// ServerOptions contains the dependencies of the API server
type ServerOptions struct {
	Config   *config.ServerConfig
	Control  *control.Service
	Tracker  *tracker.Store
	Limiter  *ratelimit.Limiter
	Ingestor *webhook.Ingestor
	Version  string
	Logger   *slog.Logger
}

// NewServer creates a new API server
func NewServer(opts ServerOptions) *Server {
	if opts.Config == nil {
		opts.Config = &config.ServerConfig{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		router:    chi.NewRouter(),
		config:    opts.Config,
		control:   opts.Control,
		tracker:   opts.Tracker,
		limiter:   opts.Limiter,
		ingestor:  opts.Ingestor,
		version:   opts.Version,
		logger:    opts.Logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.With(s.requireAPIKey(true)).Post("/webhooks/{provider}", s.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey(false))

			r.Get("/stats", s.handleStats)
			r.Get("/trends", s.handleTrends)
			r.Get("/trends/month", s.handleMonthTrends)
			r.Get("/quota", s.handleQuota)

			r.Route("/checkpoints/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCheckpoint)
				r.Get("/history", s.handleCheckpointHistory)
				r.Post("/activate", s.handleActivate)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/retry", s.handleRetry)
			})
		})
	})
}

// Handler returns the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
