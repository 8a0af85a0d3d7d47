package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

// ErrInvalidInput is returned for lookups rejected before any backend is called.
var ErrInvalidInput = errors.New("invalid input")

// Provider fetches fresh observations from the origin.
type Provider interface {
	GetCurrentWeather(ctx context.Context, location string) (models.Snapshot, error)
	GetWeatherByCoordinates(ctx context.Context, lat, lon float64) (models.Snapshot, error)
}

// Cache is the subset of the cache client used by lookups.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// AuditWriter appends lookup records to the durable log.
type AuditWriter interface {
	Record(ctx context.Context, rec models.AuditRecord) error
}

// WriteStatus is the outcome of a best-effort side-effect write.
type WriteStatus string

const (
	WriteOK      WriteStatus = "ok"
	WriteFailed  WriteStatus = "failed"
	WriteSkipped WriteStatus = "skipped"
)

// Options configures a WeatherService.
type Options struct {
	// TTL is applied to every cache write and used to derive cache age.
	TTL time.Duration
	// AuditTimeout bounds an audit write, connection retries included.
	AuditTimeout time.Duration
	Logger       *zap.Logger
}

// WeatherService serves lookups read-through: cache first, origin on miss,
// then best-effort cache and audit writes. Cache and audit failures never
// fail a lookup.
type WeatherService struct {
	provider     Provider
	cache        Cache
	audit        AuditWriter
	ttl          time.Duration
	auditTimeout time.Duration
	logger       *zap.Logger
	misses       *missTracker
	now          func() time.Time
}

// NewWeatherService wires a WeatherService. cache and audit may be nil, in
// which case the corresponding writes are skipped.
func NewWeatherService(provider Provider, c Cache, audit AuditWriter, opts Options) *WeatherService {
	if opts.TTL <= 0 {
		opts.TTL = 300 * time.Second
	}
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &WeatherService{
		provider:     provider,
		cache:        c,
		audit:        audit,
		ttl:          opts.TTL,
		auditTimeout: opts.AuditTimeout,
		logger:       opts.Logger,
		misses:       newMissTracker(),
		now:          time.Now,
	}
}

// Lookup returns the current observation for a location name.
func (s *WeatherService) Lookup(ctx context.Context, name string) (models.WeatherObservation, error) {
	location, err := validation.ValidateLocation(name)
	if err != nil {
		return models.WeatherObservation{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return s.lookup(ctx, cache.Key(location), func(ctx context.Context) (models.Snapshot, error) {
		return s.provider.GetCurrentWeather(ctx, location)
	})
}

// LookupByCoordinates returns the current observation for a coordinate pair.
func (s *WeatherService) LookupByCoordinates(ctx context.Context, lat, lon float64) (models.WeatherObservation, error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return models.WeatherObservation{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return s.lookup(ctx, cache.CoordinatesKey(lat, lon), func(ctx context.Context) (models.Snapshot, error) {
		return s.provider.GetWeatherByCoordinates(ctx, lat, lon)
	})
}

func (s *WeatherService) lookup(ctx context.Context, key string, fetch func(context.Context) (models.Snapshot, error)) (models.WeatherObservation, error) {
	start := s.now()
	logger := observability.LoggerFromContext(ctx, s.logger).With(zap.String("key", key))

	if snap, age, ok := s.readCache(ctx, key, logger); ok {
		obs := models.NewObservation(snap, models.ProvenanceCache, s.now().Sub(start), &age)
		s.served(obs)
		status := s.recordAudit(ctx, obs)
		logger.Debug("weather served",
			zap.String("provenance", string(obs.Provenance)),
			zap.Int64("responseTimeMs", obs.ResponseTimeMs),
			zap.String("audit", string(status)),
		)
		return obs, nil
	}

	if n := s.misses.begin(key); n > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
		logger.Debug("concurrent miss", zap.Int("inFlight", n))
	}
	snap, err := fetch(ctx)
	s.misses.end(key)
	if err != nil {
		return models.WeatherObservation{}, fmt.Errorf("fetch weather for %s: %w", key, err)
	}

	obs := models.NewObservation(snap, models.ProvenanceOrigin, s.now().Sub(start), nil)
	s.served(obs)
	cacheStatus := s.writeCache(ctx, key, snap, logger)
	auditStatus := s.recordAudit(ctx, obs)
	logger.Debug("weather served",
		zap.String("provenance", string(obs.Provenance)),
		zap.Int64("responseTimeMs", obs.ResponseTimeMs),
		zap.String("cache", string(cacheStatus)),
		zap.String("audit", string(auditStatus)),
	)
	return obs, nil
}

// readCache returns the cached snapshot and its age. Any cache problem,
// including an undecodable entry, is reported as a miss.
func (s *WeatherService) readCache(ctx context.Context, key string, logger *zap.Logger) (models.Snapshot, time.Duration, bool) {
	if s.cache == nil {
		return models.Snapshot{}, 0, false
	}
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrUnavailable) {
			logger.Warn("cache get failed", zap.Error(err))
		}
		return models.Snapshot{}, 0, false
	}
	if !ok {
		return models.Snapshot{}, 0, false
	}

	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		logger.Warn("discarding undecodable cache entry", zap.Error(err))
		return models.Snapshot{}, 0, false
	}

	remaining, err := s.cache.TTL(ctx, key)
	if err != nil {
		remaining = -1
	}
	return snap, cacheAge(s.ttl, remaining), true
}

// cacheAge is ttl minus remaining, kept in [0, ttl). Unknown remaining
// (negative) yields 0. Redis reports a TTL of 0 for a live key with under a
// second left, which caps the age at ttl-1s.
func cacheAge(ttl, remaining time.Duration) time.Duration {
	if remaining < 0 {
		return 0
	}
	age := ttl - remaining
	if age < 0 {
		return 0
	}
	if age >= ttl {
		age = ttl - time.Second
		if age < 0 {
			return 0
		}
	}
	return age
}

func (s *WeatherService) writeCache(ctx context.Context, key string, snap models.Snapshot, logger *zap.Logger) WriteStatus {
	if s.cache == nil {
		return WriteSkipped
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		logger.Warn("encode cache entry", zap.Error(err))
		return WriteFailed
	}
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		if errors.Is(err, cache.ErrUnavailable) {
			return WriteSkipped
		}
		logger.Warn("cache set failed", zap.Error(err))
		return WriteFailed
	}
	return WriteOK
}

// recordAudit runs detached from the caller's cancellation so a client
// disconnect does not drop the row, bounded by auditTimeout.
func (s *WeatherService) recordAudit(ctx context.Context, obs models.WeatherObservation) WriteStatus {
	status := WriteSkipped
	if s.audit != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.auditTimeout)
		defer cancel()
		if err := s.audit.Record(actx, models.NewAuditRecord(obs, s.now())); err != nil {
			observability.LoggerFromContext(ctx, s.logger).Warn("audit write failed",
				zap.String("city", obs.City),
				zap.Bool("cached", obs.Cached),
				zap.Error(err),
			)
			status = WriteFailed
		} else {
			status = WriteOK
		}
	}
	observability.AuditWritesTotal.WithLabelValues(string(status)).Inc()
	return status
}

func (s *WeatherService) served(obs models.WeatherObservation) {
	p := string(obs.Provenance)
	observability.LookupsTotal.WithLabelValues(p).Inc()
	observability.LookupDuration.WithLabelValues(p).Observe(float64(obs.ResponseTimeMs) / 1000)
}
