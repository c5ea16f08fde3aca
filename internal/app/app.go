package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/outreach/internal/api"
	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/control"
	"github.com/foxzi/outreach/internal/db"
	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/events"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/provider"
	"github.com/foxzi/outreach/internal/provider/httpapi"
	"github.com/foxzi/outreach/internal/provider/smtp"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/repository"
	"github.com/foxzi/outreach/internal/scheduler"
	"github.com/foxzi/outreach/internal/tracker"
	"github.com/foxzi/outreach/internal/webhook"
)

// App is the main application
type App struct {
	config  *config.Config
	version string
	logger  *slog.Logger

	db        *db.DB
	tracker   *tracker.Store
	publisher *events.Publisher
	metrics   *metrics.Metrics

	checkpoints *repository.CheckpointRepository
	leads       *repository.LeadRepository
	templates   *repository.TemplateRepository

	registry     *provider.Registry
	limiter      *ratelimit.Limiter
	orchestrator *delivery.Orchestrator
	scheduler    *scheduler.Scheduler
	control      *control.Service
	ingestor     *webhook.Ingestor

	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New opens the stores and builds every component. Nothing is started.
func New(cfg *config.Config, version string, logger *slog.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	a := &App{
		config:      cfg,
		version:     version,
		logger:      logger,
		db:          database,
		checkpoints: repository.NewCheckpointRepository(database.DB),
		leads:       repository.NewLeadRepository(database.DB),
		templates:   repository.NewTemplateRepository(database.DB),
	}

	a.tracker, err = tracker.Open(cfg.Tracker.Path, tracker.Options{
		Location: loc,
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open tracker: %w", err)
	}

	if cfg.Events.Enabled() {
		a.publisher = events.NewPublisher(cfg.Events, logger)
		a.tracker.SetPublisher(a.publisher)
		logger.Info("event publishing enabled", "exchange", cfg.Events.Exchange)
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)
	}

	a.ingestor = webhook.NewIngestor(a.tracker, a.checkpoints, logger)

	a.registry, err = a.buildProviders()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.limiter = ratelimit.NewLimiter(a.tracker, &cfg.RateLimit)

	a.orchestrator = delivery.New(cfg.Delivery, delivery.Deps{
		Checkpoints: a.checkpoints,
		Leads:       a.leads,
		Templates:   a.templates,
		Limiter:     a.limiter,
		Tracker:     a.tracker,
		Providers:   a.registry,
		Logger:      logger,
	})

	if a.metrics != nil {
		a.metricsServer, err = metrics.NewServer(a.metrics, cfg.Metrics, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.collector = metrics.NewCollector(a.metrics, a.checkpoints, 0, logger)
	}

	a.scheduler = scheduler.New(cfg.Scheduler, a.checkpoints, a.orchestrator, logger)
	a.control = control.New(a.checkpoints, repository.NewAuditRepository(database.DB), loc, logger)

	return a, nil
}

// buildProviders registers every configured provider. HTTP providers also accept
// status callbacks under their own name.
func (a *App) buildProviders() (*provider.Registry, error) {
	registry := provider.NewRegistry()

	for i := range a.config.Providers.SMTP {
		p, err := smtp.New(&a.config.Providers.SMTP[i], a.logger)
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}
	for i := range a.config.Providers.HTTP {
		c, err := httpapi.New(&a.config.Providers.HTTP[i], a.logger)
		if err != nil {
			return nil, err
		}
		registry.Register(c)
		a.ingestor.Register(c.Name(), webhook.HTTPAPI)
	}

	if err := registry.SetDefault(a.config.Providers.Default); err != nil {
		return nil, err
	}
	a.logger.Info("providers configured", "providers", registry.Names(), "default", a.config.Providers.Default)
	return registry, nil
}

// Run starts the scheduler and the HTTP servers and blocks until a signal or a server error
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting outreach",
		"version", a.version,
		"api_addr", a.config.Server.ListenAddr,
		"poll_interval", a.config.Scheduler.PollInterval,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.apiServer = api.NewServer(api.ServerOptions{
		Config:   &a.config.Server,
		Control:  a.control,
		Tracker:  a.tracker,
		Limiter:  a.limiter,
		Ingestor: a.ingestor,
		Version:  a.version,
		Logger:   a.logger.With("component", "api"),
	})

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		a.collector.Start(ctx)
	}

	a.scheduler.Start()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting work, waits for the running scheduler pass and closes the stores
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a.scheduler.Stop()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		a.collector.Stop()
	}

	err := a.Close()
	a.logger.Info("shutdown complete")
	return err
}

// Close releases the publisher and both stores
func (a *App) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.tracker != nil {
		errs = append(errs, a.tracker.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// Accessors used by the CLI

func (a *App) Control() *control.Service { return a.control }
func (a *App) Checkpoints() *repository.CheckpointRepository { return a.checkpoints }
func (a *App) Leads() *repository.LeadRepository { return a.leads }
func (a *App) Templates() *repository.TemplateRepository { return a.templates }
func (a *App) Tracker() *tracker.Store { return a.tracker }
func (a *App) Limiter() *ratelimit.Limiter { return a.limiter }
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }
func (a *App) Providers() *provider.Registry { return a.registry }

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// ParseLogLevel maps a config level name to a slog level, defaulting to info
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
