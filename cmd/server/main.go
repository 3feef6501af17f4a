// Package main is the entrypoint for the Faultline API server.
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

	"github.com/faultline-io/faultline/internal/api"
	"github.com/faultline-io/faultline/internal/api/handler"
	mw "github.com/faultline-io/faultline/internal/api/middleware"
	"github.com/faultline-io/faultline/internal/api/response"
	"github.com/faultline-io/faultline/internal/blame"
	"github.com/faultline-io/faultline/internal/cache"
	"github.com/faultline-io/faultline/internal/config"
	"github.com/faultline-io/faultline/internal/notify"
	"github.com/faultline-io/faultline/internal/occurrence"
	"github.com/faultline-io/faultline/internal/pagerduty"
	"github.com/faultline-io/faultline/internal/store"
	"github.com/faultline-io/faultline/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and collaborators
	pgStore := store.NewPostgresStore(pool)
	blamer := blame.NewFingerprintBlamer(pgStore)

	pager := pagerduty.NewClient(cfg.PagerDuty.BaseURL, cfg.PagerDuty.Timeout)
	evaluator := notify.NewEvaluator(pgStore, pager, notify.LogMailer{})

	// 6. Occurrence lifecycle service
	svc := occurrence.NewService(pgStore, redisCache, blamer, evaluator)

	// 7. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		CreateOccurrence:    handler.NewCreateOccurrenceHandler(blamer, svc),
		GetOccurrence:       handler.NewGetOccurrenceHandler(svc),
		SymbolicateHandler:  handler.NewResolveHandler(svc, models.JobSymbolicate),
		SourceMapHandler:    handler.NewResolveHandler(svc, models.JobSourceMap),
		DeobfuscateHandler:  handler.NewResolveHandler(svc, models.JobDeobfuscate),
		RecategorizeHandler: handler.NewRecategorizeHandler(svc),
		RedirectHandler:     handler.NewRedirectHandler(svc),
		TruncateHandler:     handler.NewTruncateHandler(svc),
		PollJobHandler:      handler.NewPollJobHandler(pgStore),

		ListBugs:           handler.NewListBugsHandler(pgStore),
		GetBug:             handler.NewGetBugHandler(pgStore),
		ListBugOccurrences: handler.NewListBugOccurrencesHandler(pgStore),

		CreateDeploy:        handler.NewCreateDeployHandler(pgStore),
		UploadSymbolication: handler.NewUploadSymbolicationHandler(pgStore),
		UploadSourceMap:     handler.NewUploadSourceMapHandler(pgStore),
		UploadObfuscation:   handler.NewUploadObfuscationMapHandler(pgStore),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
