// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bissquit/async-dispatch/internal/auth"
	"github.com/bissquit/async-dispatch/internal/config"
	"github.com/bissquit/async-dispatch/internal/dispatch"
	"github.com/bissquit/async-dispatch/internal/dispatch/logsender"
	"github.com/bissquit/async-dispatch/internal/dispatch/post"
	dispatchpostgres "github.com/bissquit/async-dispatch/internal/dispatch/postgres"
	"github.com/bissquit/async-dispatch/internal/domain"
	"github.com/bissquit/async-dispatch/internal/pkg/ctxlog"
	"github.com/bissquit/async-dispatch/internal/pkg/httputil"
	"github.com/bissquit/async-dispatch/internal/pkg/metrics"
	"github.com/bissquit/async-dispatch/internal/pkg/postgres"
	"github.com/bissquit/async-dispatch/internal/version"
)

const dbMetricsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	repo          *dispatchpostgres.Repository
	auth          *auth.Authenticator
	strategy      dispatch.Strategy
	transmitter   *dispatch.Transmitter
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance. The configured strategy is
// started before New returns, so messages can be transmitted immediately.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		repo:          dispatchpostgres.NewRepository(db),
		auth:          auth.NewAuthenticator(auth.Config{SecretKey: cfg.JWT.SecretKey, TokenDuration: cfg.JWT.TokenDuration}),
		metricsCancel: metricsCancel,
	}

	if err := app.setupDispatch(); err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup dispatch: %w", err)
	}

	if err := app.strategy.Start(metricsCtx); err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("start %s strategy: %w", app.strategy.Name(), err)
	}

	metrics.RecordBuildInfo(version.Get())
	go metrics.CollectDBPoolMetrics(metricsCtx, db, dbMetricsInterval)
	if app.strategy.RequiresPersistence() {
		go app.collectQueueMetrics(metricsCtx, cfg.Dispatch.StatsInterval)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func (a *App) setupDispatch() error {
	settings := a.config.DispatchSettings()

	senders := dispatch.NewSenderRegistry()
	senders.Register(post.Qualifier, post.Factory(a.config.PostSender()))
	senders.Register(logsender.Qualifier, logsender.Factory())

	channels := dispatch.NewChannelCache(a.repo, settings.ChannelCacheTTL)

	strategies := dispatch.NewStrategyRegistry()
	strategies.Register(dispatch.StrategyLTQ, func() dispatch.Strategy {
		return dispatch.NewSupervisor(settings, a.repo, channels, senders)
	})

	strategy, err := strategies.New(settings.Strategy)
	if err != nil {
		return err
	}

	slog.Info("async transmitter configured",
		"strategy", strategy.Name(),
		"senders", senders.Qualifiers(),
		"max_message_at_startup", settings.MaxMessageAtStartup,
	)

	a.strategy = strategy
	a.transmitter = dispatch.NewTransmitter(strategy, a.repo, a.repo)
	return nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops the queues, then both servers, then closes the database.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.metricsCancel()

	var errs []error
	if err := a.strategy.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close strategy: %w", err))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectQueueMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.repo.GetQueueStats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			dispatch.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Transmitter returns the message entry point for in-process producers.
func (a *App) Transmitter() *dispatch.Transmitter {
	return a.transmitter
}

// Repository returns the message store.
func (a *App) Repository() *dispatchpostgres.Repository {
	return a.repo
}

// Authenticator returns the token authenticator.
func (a *App) Authenticator() *auth.Authenticator {
	return a.auth
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger, "/healthz", "/readyz"))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	dispatchHandler := dispatch.NewHandler(a.transmitter)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(a.auth))

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleOperator))
			dispatchHandler.RegisterRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleAdmin))
			dispatchHandler.RegisterAdminRoutes(r)
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
