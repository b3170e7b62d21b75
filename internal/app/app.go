// Package app assembles the service: storage, domain services, the session
// registry, the HTTP router and the telemetry providers, plus lifecycle
// management.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"keygate/internal/config"
	"keygate/internal/infrastructure"
	"keygate/internal/ledger"
	"keygate/internal/license"
	customMiddleware "keygate/internal/middleware"
	"keygate/internal/purchase"
	"keygate/internal/referral"
	"keygate/internal/session"
	"keygate/internal/store"
	"keygate/internal/store/memstore"
	"keygate/internal/store/postgres"
	httptransport "keygate/internal/transport/http"
	"keygate/internal/user"
)

// Application holds the wired service.
type Application struct {
	Config config.Config
	Logger *slog.Logger
	Router chi.Router
	Server *http.Server

	Store    store.Store
	Licenses *license.Service
	Ledger   *ledger.Service
	Users    *user.Service
	Referral *referral.Engine
	Purchase *purchase.Orchestrator
	Registry *session.Registry

	OTelProviders *infrastructure.OTelProviders
}

// NewApplication builds the application from configuration.
func NewApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = infrastructure.NewLogger(cfg.Logging)
	}

	providers, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		Store:         st,
		OTelProviders: providers,
	}

	var licenseOpts []license.Option
	var purchaseOpts []purchase.Option
	registryOpts := []session.Option{
		session.WithStaleAfter(cfg.Session.StaleAfter),
		session.WithSweepInterval(cfg.Session.SweepInterval),
	}
	if providers.Meter != nil {
		licenseOpts = append(licenseOpts, license.WithMeter(providers.Meter))
		purchaseOpts = append(purchaseOpts, purchase.WithMeter(providers.Meter))
		registryOpts = append(registryOpts, session.WithMeter(providers.Meter))
	}

	a.Licenses = license.NewService(st, logger, licenseOpts...)
	a.Ledger = ledger.NewService(st, logger)
	a.Users = user.NewService(st, logger)
	a.Referral = referral.NewEngine(st, a.Ledger, logger)
	a.Purchase = purchase.NewOrchestrator(a.Licenses, a.Ledger, a.Referral, nil, logger, purchaseOpts...)

	a.Registry = session.NewRegistry(a.Licenses, logger, registryOpts...)

	a.setupRouter()
	a.Server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return a, nil
}

// openStore connects to postgres when a DSN is configured, otherwise runs
// the in-memory store.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.Store, error) {
	if cfg.DSN == "" {
		logger.InfoContext(ctx, "no database configured, using in-memory store")
		return memstore.New(), nil
	}
	st, err := postgres.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.InfoContext(ctx, "connected to postgres")
	return st, nil
}

func (a *Application) setupRouter() {
	r := chi.NewRouter()

	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.Compress(5))

	r.Group(func(r chi.Router) {
		var metrics *infrastructure.BusinessMetrics
		if a.OTelProviders.Meter != nil {
			metrics, _ = infrastructure.CreateBusinessMetrics(a.OTelProviders.Meter)
		}
		r.Use(customMiddleware.Metrics(metrics))
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Recoverer(a.Logger))
		r.Use(customMiddleware.NewRateLimiter(
			a.Config.RateLimit.RequestsPerSecond,
			a.Config.RateLimit.Burst,
			a.Logger,
		).Handler)

		r.Route("/api", func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))

			r.Mount("/heartbeat", httptransport.NewHeartbeatHandler(a.Registry, a.Logger).Routes())
			r.Mount("/licenses", httptransport.NewLicenseHandler(a.Licenses, a.Registry, a.Logger).Routes())
			r.Mount("/purchase", httptransport.NewPurchaseHandler(a.Purchase, a.Config.Pricing, a.Logger).Routes())

			userHandler := httptransport.NewUserHandler(a.Users, a.Ledger, a.Licenses, a.Logger)
			r.Mount("/users", userHandler.Routes())
			r.Mount("/balance", userHandler.BalanceRoutes())

			r.Mount("/health", httptransport.NewHealthHandler(a.Licenses, a.Registry, a.Logger).Routes())
		})
	})

	// Outside the middleware group: scrape traffic should not count against
	// the rate limit or pollute request logs.
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// Start runs the HTTP server and the session sweeper until ctx is cancelled,
// then shuts both down gracefully.
func (a *Application) Start(ctx context.Context) error {
	// Background work (the sweeper, shutdown) logs outside any request, so
	// give it a trace id of its own.
	ctx = infrastructure.EnsureTraceID(ctx)
	a.Logger.InfoContext(ctx, "starting keygate",
		slog.String("version", infrastructure.ServiceVersion),
		slog.Int("port", a.Config.Server.Port),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := a.Registry.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.Stop(context.Background())
	})

	return g.Wait()
}

// Stop shuts down the HTTP server, telemetry and storage.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
	a.Store.Close()

	a.Logger.InfoContext(ctx, "shutdown complete")
	return nil
}

// Run starts the application and blocks until an interrupt arrives.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Start(ctx)
}
