package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chitieu/internal/amqp"
	"chitieu/internal/cache"
	"chitieu/internal/core"
	"chitieu/internal/memory"
	"chitieu/internal/ports"
	"chitieu/internal/storage"
)

const redisPrefix = "chitieu:expenses"

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger.With("component", "backend"),
	}
}

// CreateBackend opens the store, the result cache and, when configured,
// the AMQP publisher. A failing cache or broker is not fatal: the backend
// falls back to an in-process cache and to running without events.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := f.createStore(config)
	if err != nil {
		return nil, err
	}

	result := &BackendResult{
		Store: store,
		Cache: f.createCache(ctx, config),
	}
	closers := []func() error{store.Close}
	if rc, ok := result.Cache.(interface{ Close() error }); ok {
		closers = append(closers, rc.Close)
	}

	if config.AMQPURL != "" {
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without events", "error", err)
		} else {
			f.logger.Info("Initialized AMQP client",
				"exchange", config.AMQPExchange,
				"queue", config.AMQPQueue)
			result.Publisher = client
			closers = append(closers, client.Close)
		}
	}

	result.Cleanup = func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return result, nil
}

func (f *DefaultFactory) createStore(config Config) (ports.ExpenseStore, error) {
	switch config.Type {
	case SQLiteBackend:
		repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
		return repo, nil
	case MemoryBackend:
		store, err := memory.NewFromFile(config.SeedFile, config.Roster)
		if err != nil {
			return nil, fmt.Errorf("failed to load memory seed file: %w", err)
		}
		f.logger.Info("Initialized memory backend", "seed_file", config.SeedFile, "expenses", store.Len())
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createCache(ctx context.Context, config Config) cache.Cache[core.FilterKey, []core.Expense] {
	if config.CacheType == RedisCache {
		rc, err := cache.NewRedisCache[core.FilterKey, []core.Expense](ctx, config.RedisAddr, redisPrefix, config.CacheTTL, f.logger)
		if err == nil {
			return rc
		}
		f.logger.Warn("Redis unavailable, using in-process cache", "addr", config.RedisAddr, "error", err)
	}
	return cache.NewLRUCache[core.FilterKey, []core.Expense](config.CacheSize, config.CacheTTL)
}
