package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"chitieu/internal/backend"
	"chitieu/internal/cache"
	"chitieu/internal/cli"
	apphttp "chitieu/internal/http"
	"chitieu/internal/metrics"
	"chitieu/internal/services"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	cfg := cli.LoadAndValidateConfig(logger)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", "error", err)
		os.Exit(1)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	result, err := backend.NewFactory(logger).CreateBackend(startupCtx, backendCfg)
	cancelStartup()
	if err != nil {
		logger.Error("Failed to initialize backend", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	// Periodic cleanup of expired in-process cache entries
	cacheManager := cache.NewManager(logger)
	if cleaner, ok := result.Cache.(cache.Cleaner); ok {
		cacheManager.Register(cleaner)
	}
	cacheManager.StartCleanup(time.Minute)

	m := metrics.New()
	svc := services.NewExpenseService(result.Store, services.Options{
		Publisher: result.Publisher,
		Cache:     result.Cache,
		Roster:    cfg.Roster(),
		Metrics:   m,
		Location:  cfg.Location(),
		Logger:    logger,
	})

	srv, err := apphttp.NewServer(":"+cfg.Port, svc, apphttp.Options{
		Logger:             logger,
		Metrics:            m,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustedProxies:     cfg.TrustedProxies,
		CacheManager:       cacheManager,
	})
	if err != nil {
		logger.Error("Failed to create HTTP server", "error", err)
		cacheManager.Stop()
		_ = result.Cleanup()
		os.Exit(1)
	}

	_, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		if err := result.Cleanup(); err != nil {
			logger.Error("Backend cleanup error", "error", err)
		}
	})

	logger.Info("Starting chitieu server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"cache", cfg.CacheBackend,
		"events", result.Publisher != nil,
		"members", len(cfg.Members),
		"timezone", cfg.Timezone)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-done
	logger.Info("Server stopped gracefully")
}
