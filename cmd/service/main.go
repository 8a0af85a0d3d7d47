package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-cache-service/internal/audit"
	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/config"
	"github.com/kjstillabower/weather-cache-service/internal/database"
	httphandler "github.com/kjstillabower/weather-cache-service/internal/http"
	"github.com/kjstillabower/weather-cache-service/internal/lifecycle"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/scheduler"
	"github.com/kjstillabower/weather-cache-service/internal/schema"
	"github.com/kjstillabower/weather-cache-service/internal/service"
	"github.com/kjstillabower/weather-cache-service/internal/stats"
)

// schemaRetryInterval drives the background schema ensure until it succeeds.
const schemaRetryInterval = 30 * time.Second

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	lc := lifecycle.New()

	conns := database.NewManager(cfg.Database, logger)
	startupCtx, startupCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Database.ConnectAttempts)*(cfg.Database.ConnectDelay+cfg.Database.StatementTimeout))
	handle, err := conns.Acquire(startupCtx)
	if err != nil {
		startupCancel()
		logger.Fatal("database unreachable at startup", zap.String("host", cfg.Database.Host), zap.Error(err))
	}
	_ = handle.Close()

	schemas := schema.NewManager(conns, cfg.Database.StatementTimeout*4, logger)
	if !schemas.Ensure(startupCtx) {
		logger.Warn("schema not ensured at startup; readiness will retry")
	}
	startupCancel()
	store := audit.NewStore(conns, cfg.Database.StatementTimeout)

	backend, err := cache.NewBackend(cfg.Cache)
	if err != nil {
		logger.Fatal("cache backend", zap.Error(err))
	}
	cacheClient := cache.NewClient(backend, cache.Options{
		Timeout:         cfg.Cache.Timeout,
		ReprobeInterval: cfg.Cache.ReprobeInterval,
		Logger:          logger,
	})
	logger.Info("cache backend", zap.String("backend", cfg.Cache.Backend), zap.Duration("ttl", cfg.Cache.TTL))

	weatherClient, err := client.NewOpenWeatherClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if cfg.CircuitBreakerEnabled {
		weatherClient.SetCircuitBreaker(client.NewCircuitBreaker(cfg.CircuitBreakerFailureThreshold, cfg.CircuitBreakerTimeout, logger))
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	weatherService := service.NewWeatherService(weatherClient, cacheClient, store, service.Options{
		TTL:          cfg.Cache.TTL,
		AuditTimeout: store.Timeout(),
		Logger:       logger,
	})
	aggregator := stats.NewAggregator(cacheClient, store, stats.Options{
		TTL:                 cfg.Cache.TTL,
		Window:              cfg.StatsWindow,
		HistoryDefaultLimit: cfg.HistoryDefaultLimit,
		HistoryMaxLimit:     cfg.HistoryMaxLimit,
		Logger:              logger,
	})

	jobs := scheduler.New(scheduler.Config{
		ReprobeInterval: cfg.Cache.ReprobeInterval,
		ReprobeTimeout:  cfg.Cache.Timeout,
		SchemaInterval:  schemaRetryInterval,
		SchemaTimeout:   cfg.Database.StatementTimeout * 4,
	}, cacheClient, schemas, logger)
	if _, err := jobs.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	handler := httphandler.NewHandler(httphandler.Deps{
		Weather:   weatherService,
		Stats:     aggregator,
		Cache:     cacheClient,
		Schema:    schemas,
		Store:     store,
		Upstream:  weatherClient,
		Lifecycle: lc,
		Logger:    logger,

		ReadyTimeout: cfg.Database.StatementTimeout * 4,
	})
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        newLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Lifecycle:      lc,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lc.SetShuttingDown(true)
	jobs.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", lc.InFlight()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := lc.WaitForIdle(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", lc.InFlight()))
	}

	if err := cacheClient.Close(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newLimiter returns nil, disabling rate limiting, when rps is not positive.
func newLimiter(rps, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = rps
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
