// Package kvstore provides a typed client for a remote key-value store.
// Two interchangeable backends exist: a REST backend issuing one HTTPS
// request per command (safe inside ephemeral serverless invocations —
// no persistent socket) and a Redis backend for long-lived processes.
//
// The client never retries internally; failures surface classified as
// transient or permanent and retry is the caller's responsibility.
package kvstore

import (
	"context"
	"fmt"
	"time"
)

// Store is the remote key-value contract shared by both backends.
type Store interface {
	// SetJSON stores the JSON encoding of value under key. A zero ttl
	// means no expiry.
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	// GetJSON reads key and unmarshals it into dest. Returns false
	// when the key does not exist.
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on an existing key. Not atomic with Incr:
	// callers must Expire immediately after the Incr that returns 1.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	LPush(ctx context.Context, key string, values ...string) error
	// RPop removes and returns the tail of the list. Returns false
	// when the list is empty. Atomic: at most one caller receives a
	// given element.
	RPop(ctx context.Context, key string) (string, bool, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	Ping(ctx context.Context) error
}

// Config selects and configures a backend.
type Config struct {
	// Mode is "rest" or "redis".
	Mode string `yaml:"mode"`

	// REST backend settings.
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`

	// Redis backend settings.
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// New constructs the backend named by cfg.Mode.
func New(cfg Config) (Store, error) {
	switch cfg.Mode {
	case "", "rest":
		return NewRESTStore(cfg)
	case "redis":
		return NewRedisStore(cfg)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store mode: %q", cfg.Mode)
	}
}
