// Package cache provides the volatile weather cache and its lifecycle-managed client.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/weather-cache-service/internal/config"
)

// KeyPrefix namespaces every weather entry in the shared cache.
const KeyPrefix = "weather:"

// WeatherPattern matches every weather entry.
const WeatherPattern = KeyPrefix + "*"

// Key returns the cache key for a location name: prefix + lowercase(trim(name)).
func Key(name string) string {
	return KeyPrefix + strings.ToLower(strings.TrimSpace(name))
}

// CoordinatesKey returns the cache key for a coordinate lookup, rounded to 4 decimals (~11m).
func CoordinatesKey(lat, lon float64) string {
	return fmt.Sprintf("%scoords:%.4f,%.4f", KeyPrefix, lat, lon)
}

// Info is a backend statistics snapshot.
type Info struct {
	TotalKeys  int64
	MemoryUsed string
	Hits       int64
	Misses     int64
}

// Backend is the capability set the Client needs from a key-value store.
// TTL returns a negative duration when the key is missing or has no expiry.
type Backend interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Info(ctx context.Context) (Info, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
	Close() error
}

// NewBackend builds the backend selected by cfg.Backend ("redis" or "in_memory").
func NewBackend(cfg config.CacheConfig) (Backend, error) {
	switch cfg.Backend {
	case "redis", "":
		return NewRedisBackend(&redis.Options{
			Addr:         cfg.RedisAddr(),
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
			MaxRetries:   1,
		}), nil
	case "in_memory":
		return NewMemoryBackend(cfg.TTL), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
