package config

import (
	"time"

	"github.com/contentpulse/datacore/internal/infra/kvstore"
	"github.com/contentpulse/datacore/internal/infra/postgres"
	"github.com/contentpulse/datacore/internal/queue"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  postgres.Config `yaml:"database"`
	Store     kvstore.Config  `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Queue     queue.Config    `yaml:"queue"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RateLimitConfig holds default rate-limit settings; callers may
// override per identity.
type RateLimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}
