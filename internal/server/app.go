// Package server builds the application from configuration and runs it in
// server or worker mode.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crashtriage/internal/api"
	"github.com/JakeFAU/crashtriage/internal/config"
	"github.com/JakeFAU/crashtriage/internal/dispatcher"
	"github.com/JakeFAU/crashtriage/internal/events"
	"github.com/JakeFAU/crashtriage/internal/logging"
	"github.com/JakeFAU/crashtriage/internal/metrics"
	"github.com/JakeFAU/crashtriage/internal/monitor"
	"github.com/JakeFAU/crashtriage/internal/telemetry"
	"github.com/JakeFAU/crashtriage/internal/triage"
)

// Mode selects what the process runs.
type Mode string

// Supported modes.
const (
	ModeServer Mode = "server"
	ModeWorker Mode = "worker"
)

// ParseMode validates a -mode flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeServer, ModeWorker:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q (want server or worker)", s)
	}
}

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	mode     Mode
	logger   *zap.Logger
	registry prometheus.Registerer

	store   triage.Store
	ready   func(context.Context) error
	handler http.Handler
	reaper  *monitor.Reaper
	pool    *dispatcher.Dispatcher
	hub     *events.Hub

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegisterer registers event collectors against reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registry = reg }
}

// WithStore uses store instead of the configured record store.
func WithStore(store triage.Store) Option {
	return func(a *App) { a.store = store }
}

// Build creates the application's dependencies for mode.
func Build(ctx context.Context, cfg config.Config, mode Mode, opts ...Option) (*App, error) {
	app := &App{cfg: cfg, mode: mode, registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		}, string(mode))
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
	}
	if mode == ModeWorker {
		if err := cfg.ValidateWorker(); err != nil {
			return nil, err
		}
	}
	app.logger.Info("building application",
		zap.String("mode", string(mode)),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()
	if err := setupTracing(ctx, a); err != nil {
		return err
	}
	if err := setupStore(ctx, a); err != nil {
		return err
	}
	archive, err := setupArchive(ctx, a)
	if err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	emitter, err := setupEvents(ctx, a, publisher)
	if err != nil {
		return err
	}
	c := newComponents(a, archive, emitter)

	switch a.mode {
	case ModeServer:
		a.handler = api.NewServer(c.services(a), c.ids, c.clock, a.cfg, a.logger.Named("api")).Handler()
		if a.cfg.Monitor.Enabled {
			a.reaper = monitor.New(a.store, monitor.Config{
				Interval:         a.cfg.Monitor.Interval,
				HeartbeatTimeout: a.cfg.Monitor.HeartbeatTimeout,
			}, c.clock, emitter, a.logger.Named("monitor"))
		}
	case ModeWorker:
		a.pool = setupWorkers(a, c)
		a.handler = workerHandler(a)
	default:
		return fmt.Errorf("unknown mode %q", a.mode)
	}
	return nil
}

// Handler returns the HTTP handler for the selected mode.
func (a *App) Handler() http.Handler { return a.handler }

// Store returns the record store the app coordinates through.
func (a *App) Store() triage.Store { return a.store }

// Run starts the application and blocks until ctx is canceled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	if a.reaper != nil {
		g.Go(func() error {
			a.logger.Info("heartbeat monitor started",
				zap.Duration("interval", a.cfg.Monitor.Interval),
				zap.Duration("heartbeat_timeout", a.cfg.Monitor.HeartbeatTimeout),
			)
			a.reaper.Run(gctx)
			return nil
		})
	}
	if a.pool != nil {
		g.Go(func() error { return a.pool.Run(gctx) })
	}

	runErr := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		a.logger.Warn("close failed", zap.Error(err))
	}
	return runErr
}

// Close releases everything Build opened, most recent first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event hub: %w", err))
		}
		a.hub = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func setupTracing(ctx context.Context, a *App) error {
	if !a.cfg.Telemetry.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Mode:        string(a.mode),
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.onClose("tracer", func(ctx context.Context) error { return shutdownTracer(ctx, tp) })
	a.logger.Info("tracing enabled", zap.String("service", a.cfg.Telemetry.ServiceName))
	return nil
}

func shutdownTracer(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

func workerHandler(a *App) http.Handler {
	router := chi.NewRouter()
	router.Use(metrics.Middleware)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.ready != nil {
			if err := a.ready(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", metrics.Handler())
	return router
}
