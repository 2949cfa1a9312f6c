package backend

import (
	"fmt"

	"chitieu/internal/config"
)

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.DataBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.DataBackend)
	}

	return Config{
		Type: backendType,

		SQLiteDBPath: appConfig.SQLiteDBPath,

		SeedFile: appConfig.SeedFile,
		Roster:   appConfig.Roster(),

		CacheType: CacheType(appConfig.CacheBackend),
		CacheSize: appConfig.CacheSize,
		CacheTTL:  appConfig.CacheTTL,
		RedisAddr: appConfig.RedisAddr,

		AMQPURL:      appConfig.AMQPURL,
		AMQPExchange: appConfig.AMQPExchange,
		AMQPQueue:    appConfig.AMQPQueue,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}

	switch c.Type {
	case SQLiteBackend:
		if c.SQLiteDBPath == "" {
			return fmt.Errorf("SQLite database path is required for sqlite backend")
		}
	case MemoryBackend:
		// SeedFile is optional; a missing file starts empty
	}

	if !c.CacheType.IsValid() {
		return fmt.Errorf("invalid cache type: %s", c.CacheType)
	}
	if c.CacheType == RedisCache && c.RedisAddr == "" {
		return fmt.Errorf("Redis address is required for redis cache")
	}

	// AMQP is optional, so we don't validate it
	return nil
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{SQLiteBackend, MemoryBackend}
}

// GetBackendTypeStrings returns all valid backend type strings
func GetBackendTypeStrings() []string {
	types := GetBackendTypes()
	strings := make([]string, len(types))
	for i, t := range types {
		strings[i] = t.String()
	}
	return strings
}
