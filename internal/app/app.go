// Package app wires the license lifecycle service together: config,
// logging, observability, the license store, the lifecycle manager,
// sessions, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"viraldesk/internal/auth"
	"viraldesk/internal/config"
	"viraldesk/internal/infrastructure"
	"viraldesk/internal/license"
	custommw "viraldesk/internal/middleware"
	"viraldesk/internal/services"
	"viraldesk/internal/store"
	handlers "viraldesk/internal/transport/http"
)

const Version = "1.0.0"

// Application is the main application container.
type Application struct {
	Config         *config.Config
	Router         *chi.Mux
	Server         *http.Server
	Store          *store.GormStore
	Manager        *license.Manager
	Sessions       *license.Registry
	SweepTrigger   *license.SweepTrigger
	LicenseService services.LicenseService
	Tokens         *auth.TokenManager
	Logger         *slog.Logger
	OTelProviders  *infrastructure.OTelProviders
}

// NewApplication creates a new application instance with dependency
// injection.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewApplicationWithConfig(cfg)
}

// NewApplicationWithConfig wires the application from an explicit
// configuration, for tests.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("application starting",
		slog.String("service", infrastructure.ServiceName),
		slog.String("version", Version),
	)

	otelProviders, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	metrics, err := license.NewMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to register license metrics: %w", err)
	}

	licenseStore, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open license store: %w", err)
	}

	manager := license.NewManager(licenseStore, cfg.License.DefaultValidity, logger,
		license.WithMetrics(metrics))

	sweepTrigger := license.NewSweepTrigger(func(ctx context.Context) error {
		_, err := manager.Sweep(ctx)
		return err
	}, cfg.License.SweepMinInterval, logger,
		license.WithSweepMetrics(metrics))

	sessions := license.NewRegistry(manager, sweepTrigger,
		cfg.License.CacheTTL, cfg.License.VerifyMinInterval, logger,
		license.WithVerifierMetrics(metrics))
	if cfg.License.CacheSlotDir != "" {
		sessions.UseSlotFactory(license.FileSlotFactory(cfg.License.CacheSlotDir))
	}

	keygen := license.NewKeyGenerator(licenseStore, logger)
	licenseService := services.NewLicenseService(manager, keygen, sessions, logger)

	tokens := auth.NewTokenManager(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)

	app := &Application{
		Config:         cfg,
		Store:          licenseStore,
		Manager:        manager,
		Sessions:       sessions,
		SweepTrigger:   sweepTrigger,
		LicenseService: licenseService,
		Tokens:         tokens,
		Logger:         logger,
		OTelProviders:  otelProviders,
	}

	app.Router = app.buildRouter()
	app.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

// buildRouter assembles the middleware chain and routes.
func (a *Application) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))

	gate := custommw.NewGate(a.Tokens, a.Sessions, a.Logger)
	licenseHandler := handlers.NewLicenseHandler(a.LicenseService, gate, a.Logger)
	healthHandler := handlers.NewHealthHandler(Version, a.Logger)

	r.Get("/api/health", healthHandler.HealthCheck)
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	r.Route("/api/license", func(r chi.Router) {
		if a.Config.Security.RateLimit.Enabled {
			limiter := custommw.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			)
			r.Use(limiter.Handler)
		}
		r.Mount("/", licenseHandler.Routes())
	})

	r.Mount("/api/admin", licenseHandler.AdminRoutes())

	// Premium surfaces sit behind the gate.
	r.Group(func(r chi.Router) {
		r.Use(gate.Handler)
		r.Mount("/api/premium", premiumRoutes())
	})

	return r
}

// premiumRoutes are the gated surfaces. The licensing service only
// needs a probe endpoint; the product's premium features mount here.
func premiumRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ping", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"premium":true}`))
	})
	return r
}

// Run starts the HTTP server, the periodic sweep ticker, and blocks
// until shutdown.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// Server-side periodic sweep, on top of the on-demand endpoint.
	g.Go(func() error {
		ticker := time.NewTicker(a.Config.License.SweepTickerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := a.Manager.Sweep(ctx); err != nil {
					a.Logger.WarnContext(ctx, "periodic sweep failed",
						slog.String("error", err.Error()))
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// shutdown drains the server and closes resources.
func (a *Application) shutdown() error {
	a.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("http shutdown failed", slog.String("error", err.Error()))
	}

	if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("observability shutdown failed", slog.String("error", err.Error()))
	}

	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("store close failed", slog.String("error", err.Error()))
	}

	return infrastructure.CloseLogFile()
}
