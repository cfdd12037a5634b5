// Package store provides the atomic, TTL-capable key-value store backing the
// gateway's rate limiter and single-session registry.
//
// Two backends exist: a Redis store for multi-instance deployments where the
// counters and registry must be shared, and an in-memory store that is only
// correct when a single gateway instance is running. The factory picks Redis
// whenever TERMGATE_REDIS_HOST is set and falls back to memory otherwise.
package store

import (
	"context"
	"log"
	"time"

	"github.com/termlab/termgate/internal/config"
)

// WindowResult is the outcome of a windowed increment.
type WindowResult struct {
	Count   int64
	ResetAt time.Time
}

// Store is the contract required by admission control. All operations must
// be atomic with respect to concurrent callers for the same key.
type Store interface {
	// IncrementWindow atomically increments the counter for key, starting a
	// new window of length window on the first call.
	IncrementWindow(ctx context.Context, key string, window time.Duration) (WindowResult, error)

	// SetIfAbsent stores value under key only if the key is not present.
	// Returns false when the key already exists. The entry expires after ttl
	// as a backstop against missed deletes.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Backend names the implementation for health reporting.
	Backend() string

	Close() error
}

// New builds a Store from the loaded configuration: Redis when a host is
// configured, otherwise the process-local memory store.
func New() Store {
	if config.Cfg.RedisHost != "" {
		st, err := NewRedisStore(config.Cfg.RedisHost, config.Cfg.RedisPort,
			config.Cfg.RedisUsername, config.Cfg.RedisPassword)
		if err != nil {
			log.Printf("WARNING: redis connection failed: %v", err)
			log.Printf("Falling back to in-memory store (single-instance only)")
			return NewMemoryStore()
		}
		log.Printf("Using redis store: %s:%s", config.Cfg.RedisHost, config.Cfg.RedisPort)
		return st
	}

	log.Printf("Using in-memory store (single-instance only)")
	return NewMemoryStore()
}
