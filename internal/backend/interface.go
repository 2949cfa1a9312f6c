package backend

import (
	"context"
	"time"

	"chitieu/internal/cache"
	"chitieu/internal/core"
	"chitieu/internal/ports"
	"chitieu/internal/services"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult holds everything the expense service is built from.
// Publisher is nil when AMQP is disabled or unreachable.
type BackendResult struct {
	Store     ports.ExpenseStore
	Cache     cache.Cache[core.FilterKey, []core.Expense]
	Publisher services.Publisher
	Cleanup   CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend creates a backend instance based on the provided config
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	// Backend type
	Type BackendType

	// SQLite specific
	SQLiteDBPath string

	// Memory backend specific
	SeedFile string
	Roster   core.Roster

	// Result cache
	CacheType CacheType
	CacheSize int
	CacheTTL  time.Duration
	RedisAddr string

	// Events (optional)
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
}

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// CacheType selects where list results are cached.
type CacheType string

const (
	MemoryCache CacheType = "memory"
	RedisCache  CacheType = "redis"
)

func (ct CacheType) IsValid() bool {
	return ct == MemoryCache || ct == RedisCache
}
