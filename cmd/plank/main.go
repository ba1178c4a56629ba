package main

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
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	plankhttp "github.com/plankhq/plank/internal/adapter/http"
	planknats "github.com/plankhq/plank/internal/adapter/nats"
	"github.com/plankhq/plank/internal/adapter/otel"
	"github.com/plankhq/plank/internal/adapter/postgres"
	"github.com/plankhq/plank/internal/adapter/ristretto"
	"github.com/plankhq/plank/internal/config"
	"github.com/plankhq/plank/internal/logger"
	"github.com/plankhq/plank/internal/middleware"
	"github.com/plankhq/plank/internal/resilience"
	"github.com/plankhq/plank/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
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

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"auth_enabled", cfg.Auth.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownOtel, err := otel.Init(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
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

	queue, err := planknats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	idempotencyKV, err := queue.IdempotencyKV(ctx)
	if err != nil {
		return fmt.Errorf("idempotency kv: %w", err)
	}

	summaryCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer summaryCache.Close()

	// --- Services ---
	store := postgres.NewStore(pool)
	auditStore := postgres.NewAuditStore(pool)

	taskSvc := service.NewTaskService(store, queue, metrics)
	projectSvc := service.NewProjectService(store, queue)
	authSvc := service.NewAuthService(store, queue, cfg.Auth)
	activitySvc := service.NewActivityService(auditStore, summaryCache, cfg.Cache.SummaryTTL)

	breaker := resilience.NewBreaker(cfg.Audit.MaxFailures, cfg.Audit.BreakerTimeout)
	recorder := service.NewRecorder(auditStore, breaker, metrics)

	cancelConsumer, err := recorder.StartConsumer(ctx, queue)
	if err != nil {
		return fmt.Errorf("audit consumer: %w", err)
	}
	defer cancelConsumer()

	// --- HTTP ---
	handlers := plankhttp.NewHandlers(taskSvc, projectSvc, activitySvc, authSvc, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})

	r := chi.NewRouter()
	r.Use(plankhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(plankhttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(plankhttp.Logger)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.Auth(authSvc, cfg.Auth.Enabled))
	if cfg.Server.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		defer limiter.StartCleanup(time.Minute, 10*time.Minute)()
		r.Use(limiter.Handler)
	}
	r.Use(middleware.Idempotency(idempotencyKV))

	plankhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
