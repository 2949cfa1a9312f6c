package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"chitieu/internal/amqp"
	"chitieu/internal/cli"
	"chitieu/internal/config"
	"chitieu/internal/metrics"
	gsheet "chitieu/internal/sheets/google"
	"chitieu/internal/storage"
	"chitieu/internal/worker"
)

func main() {
	backfill := flag.Bool("backfill", false, "mirror every stored expense once at startup")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics on this address (disabled when empty)")
	flag.Parse()

	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	logger.Info("Starting chitieu-worker")

	cfg := config.Load()
	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, *backfill, *metricsAddr); err != nil {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete")
}

func run(cfg *config.Config, logger *slog.Logger, backfill bool, metricsAddr string) error {
	// The worker reads the store the server writes
	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	sheets, err := gsheet.NewClient(ctx, cfg.GoogleSpreadsheetID, cfg.GoogleSheetName, logger)
	if err != nil {
		return err
	}
	logger.Info("Google Sheets client initialized",
		"spreadsheet_id", cfg.GoogleSpreadsheetID,
		"sheet", cfg.GoogleSheetName)

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		return err
	}
	defer amqpClient.Close()

	m := metrics.New()
	mirror := worker.NewMirrorWorker(repo, sheets, m, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if backfill {
			runBackfill(gctx, logger, mirror)
		}
		err := amqpClient.ConsumeExpenseCreated(gctx, mirror.HandleExpenseCreated)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.MirrorBackfillInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.MirrorBackfillInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					runBackfill(gctx, logger, mirror)
				}
			}
		})
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", m.Handler())
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Serving worker metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		<-done
	}
	return err
}

// runBackfill logs instead of failing: the next message or tick retries.
func runBackfill(ctx context.Context, logger *slog.Logger, mirror *worker.MirrorWorker) {
	n, err := mirror.Backfill(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Error("Mirror backfill failed", "error", err, "mirrored", n)
		return
	}
	logger.Info("Mirror backfill finished", "mirrored", n)
}
