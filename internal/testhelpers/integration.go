//go:build integration
// +build integration

// Package testhelpers wires the real Redis, PostgreSQL and OpenWeatherMap
// backends for integration tests.
package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kjstillabower/weather-cache-service/internal/audit"
	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/database"
	"github.com/kjstillabower/weather-cache-service/internal/schema"
	"github.com/kjstillabower/weather-cache-service/internal/service"
	"github.com/kjstillabower/weather-cache-service/internal/stats"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey      string
	APIURL      string
	RedisAddr   string
	DatabaseDSN string
}

// GetIntegrationConfig loads integration settings from the environment.
// Skips the test when OPENWEATHER_API_KEY or DATABASE_DSN is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("OPENWEATHER_API_KEY")
	if apiKey == "" || apiKey == "demo" {
		t.Skip("OPENWEATHER_API_KEY not set, skipping integration test")
	}
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("DATABASE_DSN not set, skipping integration test")
	}
	apiURL := os.Getenv("OPENWEATHER_API_URL")
	if apiURL == "" {
		apiURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	return IntegrationTestConfig{APIKey: apiKey, APIURL: apiURL, RedisAddr: redisAddr, DatabaseDSN: dsn}
}

// Stack is the fully wired service with handles on each backend.
type Stack struct {
	Service *service.WeatherService
	Cache   *cache.Client
	Store   *audit.Store
	Schema  *schema.Manager
	Stats   *stats.Aggregator
}

// SetupIntegrationStack builds the stack, ensures the schema and clears the
// weather namespace. Backends are closed on test cleanup.
func SetupIntegrationStack(t *testing.T, cfg IntegrationTestConfig) Stack {
	t.Helper()
	logger := zap.NewNop()

	weatherClient, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, 10*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}

	dsn := cfg.DatabaseDSN
	conns := database.NewManagerWithDialector(func() gorm.Dialector { return postgres.Open(dsn) }, 3, time.Second, logger)
	schemas := schema.NewManager(conns, 30*time.Second, logger)
	if !schemas.Ensure(context.Background()) {
		t.Fatal("schema Ensure() = false")
	}
	store := audit.NewStore(conns, 5*time.Second)

	cc := cache.NewClient(cache.NewRedisBackend(&redis.Options{Addr: cfg.RedisAddr}), cache.Options{Timeout: time.Second, Logger: logger})
	t.Cleanup(func() { _ = cc.Close() })
	if _, err := cc.Clear(context.Background()); err != nil {
		t.Logf("Redis at %s unavailable (%v); continuing without cache", cfg.RedisAddr, err)
	}

	ttl := 300 * time.Second
	return Stack{
		Service: service.NewWeatherService(weatherClient, cc, store, service.Options{TTL: ttl, Logger: logger}),
		Cache:   cc,
		Store:   store,
		Schema:  schemas,
		Stats:   stats.NewAggregator(cc, store, stats.Options{TTL: ttl, Logger: logger}),
	}
}
