package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/licenser/internal/adapter/discord"
	lhttp "github.com/Strob0t/licenser/internal/adapter/http"
	lnats "github.com/Strob0t/licenser/internal/adapter/nats"
	"github.com/Strob0t/licenser/internal/adapter/postgres"
	"github.com/Strob0t/licenser/internal/adapter/ristretto"
	"github.com/Strob0t/licenser/internal/config"
	"github.com/Strob0t/licenser/internal/logger"
	"github.com/Strob0t/licenser/internal/middleware"
	"github.com/Strob0t/licenser/internal/port/messagequeue"
	"github.com/Strob0t/licenser/internal/port/notifier"
	"github.com/Strob0t/licenser/internal/resilience"
	"github.com/Strob0t/licenser/internal/service"
)

const (
	idempotencyTTL   = 24 * time.Hour
	rateLimitCleanup = 5 * time.Minute
	rateLimitIdle    = 10 * time.Minute
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"sweep_interval", cfg.Sweeper.Interval,
		"nats", cfg.NATS.URL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := quartz.NewReal()

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	store := postgres.NewStore(pool)

	// Discord privilege gateway
	gateway := newGateway(cfg, clock)

	// Notifiers
	notifiers, err := buildNotifiers(cfg)
	if err != nil {
		return fmt.Errorf("notifiers: %w", err)
	}
	for _, n := range notifiers {
		slog.Info("notifier enabled", "provider", n.Name())
	}

	// NATS (optional)
	var (
		queue   messagequeue.Queue
		natsCon *lnats.Queue
	)
	if cfg.NATS.URL != "" {
		natsCon, err = lnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = natsCon.Close() }()
		queue = natsCon
		slog.Info("nats connected", "stream", cfg.NATS.Stream)
	}

	// In-process cache: tenant defaults and idempotent replays
	defaultsCache, err := ristretto.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer defaultsCache.Close()

	// --- Services ---
	tenantSvc := service.NewTenantService(store, gateway, defaultsCache, cfg.Cache.TTL, cfg.Tenants.DefaultPrefix)
	licenseSvc := service.NewLicenseService(store, gateway, tenantSvc, cfg.Licenses)
	lifecycle := service.NewLifecycle(service.NewNotificationService(notifiers, cfg.Notify.Events), queue, clock)
	redemptionSvc := service.NewRedemptionService(store, gateway, tenantSvc, lifecycle, clock)
	cascadeSvc := service.NewCascadeService(store, gateway, tenantSvc)
	sweeper := service.NewSweeper(store, gateway, tenantSvc, lifecycle, clock, cfg.Sweeper)

	// Catch up on tenants removed while the service was down.
	if purged, err := cascadeSvc.Reconcile(ctx); err != nil {
		slog.Warn("startup reconcile incomplete", "purged", purged, "error", err)
	} else if purged > 0 {
		slog.Info("startup reconcile", "purged", purged)
	}

	if queue != nil {
		cancelCascade, err := cascadeSvc.Subscribe(ctx, queue)
		if err != nil {
			return fmt.Errorf("cascade subscriber: %w", err)
		}
		defer cancelCascade()
	}

	sweeper.Start(ctx)
	defer sweeper.Stop()

	// --- HTTP ---
	handlers := &lhttp.Handlers{
		Redemptions: redemptionSvc,
		Licenses:    licenseSvc,
		Tenants:     tenantSvc,
		Cascades:    cascadeSvc,
		Sweeps:      sweeper,
		BodyLimit:   cfg.Server.MaxRequestBodySize,
	}

	var redeemLimit func(http.Handler) http.Handler
	if cfg.Server.RedeemRate > 0 {
		limiter := middleware.NewRateLimiter(cfg.Server.RedeemRate, cfg.Server.RedeemBurst, clock)
		limiter.StartCleanup(ctx, rateLimitCleanup, rateLimitIdle)
		redeemLimit = limiter.Handler
	}
	if cfg.Auth.APIKey == "" {
		slog.Warn("auth disabled: LICENSER_API_KEY is empty")
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(lhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(lhttp.SecurityHeaders)

	checks := map[string]lhttp.HealthCheck{"postgres": store.Ping}
	if natsCon != nil {
		checks["nats"] = func(context.Context) error {
			if !natsCon.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}
	}
	health := lhttp.Health(checks)
	r.Get("/health", health)
	r.Get("/health/ready", health)

	lhttp.MountRoutes(r, handlers, lhttp.Middlewares{
		Auth:        middleware.APIKey(cfg.Auth.APIKey),
		RedeemLimit: redeemLimit,
		Idempotency: middleware.Idempotency(defaultsCache, idempotencyTTL),
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}

	// Finish the in-flight sweep before the queue and pool go away.
	sweeper.Stop()
	if natsCon != nil {
		if err := natsCon.Drain(); err != nil {
			slog.Warn("nats drain", "error", err)
		}
	}
	slog.Info("shutdown complete")
	return nil
}

// buildNotifiers creates every notifier that has settings in cfg.
func buildNotifiers(cfg *config.Config) ([]notifier.Notifier, error) {
	return notifier.Build(map[string]map[string]string{
		"discord": {
			"api_base":    cfg.Discord.APIBase,
			"bot_token":   cfg.Discord.BotToken,
			"webhook_url": cfg.Discord.WebhookURL,
		},
		"slack": {"webhook_url": cfg.Notify.SlackWebhookURL},
	})
}

// newGateway builds the guarded Discord privilege gateway.
func newGateway(cfg *config.Config, clock quartz.Clock) *discord.Gateway {
	guard := resilience.NewGuard(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout, cfg.Discord.Timeout, clock)
	client := discord.NewClient(cfg.Discord.APIBase, cfg.Discord.BotToken,
		discord.WithGuard(guard),
		discord.WithMaxConcurrent(cfg.Discord.MaxConcurrent),
	)
	return discord.NewGateway(client)
}
