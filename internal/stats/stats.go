// Package stats derives cache, performance and search statistics from the
// cache client and the audit log.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/audit"
	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// CacheReader is the part of the cache client the aggregator reads.
type CacheReader interface {
	Info(ctx context.Context) (cache.Info, error)
	KeysMatching(ctx context.Context, pattern string) ([]string, error)
}

// AuditReader is the query side of the audit store.
type AuditReader interface {
	History(ctx context.Context, limit int, cityFilter string) ([]models.AuditRecord, error)
	Window(ctx context.Context, since time.Time) (audit.WindowAggregate, error)
	Summary(ctx context.Context) (audit.SearchSummary, error)
}

const (
	StatusConnected   = "connected"
	StatusUnavailable = "unavailable"
)

// CacheStats describes the cache backend. Counters are zero when Status is unavailable.
type CacheStats struct {
	Status      string `json:"status"`
	TotalKeys   int64  `json:"total_keys"`
	WeatherKeys int    `json:"weather_keys"`
	MemoryUsed  string `json:"memory_used"`
	Hits        int64  `json:"hits"`
	Misses      int64  `json:"misses"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

// PerformanceStats compares cached and origin latency over a window.
// HitRatePercent and SpeedupFactor are omitted when they cannot be computed.
type PerformanceStats struct {
	WindowSeconds      int64    `json:"window_seconds"`
	TotalRequests      int64    `json:"total_requests"`
	CacheHits          int64    `json:"cache_hits"`
	CacheMisses        int64    `json:"cache_misses"`
	AvgCachedLatencyMs *float64 `json:"avg_cached_latency_ms"`
	AvgOriginLatencyMs *float64 `json:"avg_origin_latency_ms"`
	HitRatePercent     *float64 `json:"hit_rate_percent,omitempty"`
	SpeedupFactor      *float64 `json:"speedup_factor,omitempty"`
}

// SearchStats is the all-time search summary.
type SearchStats struct {
	TotalSearches    int64  `json:"total_searches"`
	UniqueCities     int64  `json:"unique_cities"`
	MostSearchedCity string `json:"most_searched_city,omitempty"`
	SearchCount      int64  `json:"search_count"`
}

type Options struct {
	TTL                 time.Duration
	Window              time.Duration
	HistoryDefaultLimit int
	HistoryMaxLimit     int
	Logger              *zap.Logger
}

// Aggregator answers the statistics queries. It holds no state of its own.
type Aggregator struct {
	cache        CacheReader
	audit        AuditReader
	ttl          time.Duration
	window       time.Duration
	defaultLimit int
	maxLimit     int
	logger       *zap.Logger
	now          func() time.Time
}

func NewAggregator(c CacheReader, a AuditReader, opts Options) *Aggregator {
	if opts.TTL <= 0 {
		opts.TTL = 300 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.HistoryDefaultLimit <= 0 {
		opts.HistoryDefaultLimit = 10
	}
	if opts.HistoryMaxLimit < opts.HistoryDefaultLimit {
		opts.HistoryMaxLimit = opts.HistoryDefaultLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Aggregator{
		cache:        c,
		audit:        a,
		ttl:          opts.TTL,
		window:       opts.Window,
		defaultLimit: opts.HistoryDefaultLimit,
		maxLimit:     opts.HistoryMaxLimit,
		logger:       opts.Logger,
		now:          time.Now,
	}
}

// CacheStats reports backend statistics. An unavailable cache is a degraded
// result, not an error.
func (a *Aggregator) CacheStats(ctx context.Context) (CacheStats, error) {
	out := CacheStats{Status: StatusUnavailable, TTLSeconds: int64(a.ttl.Seconds())}
	if a.cache == nil {
		return out, nil
	}

	info, err := a.cache.Info(ctx)
	if errors.Is(err, cache.ErrUnavailable) {
		return out, nil
	}
	if err != nil {
		a.logger.Warn("cache info failed", zap.Error(err))
		return CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	keys, err := a.cache.KeysMatching(ctx, cache.WeatherPattern)
	if errors.Is(err, cache.ErrUnavailable) {
		return out, nil
	}
	if err != nil {
		return CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}

	out.Status = StatusConnected
	out.TotalKeys = info.TotalKeys
	out.WeatherKeys = len(keys)
	out.MemoryUsed = info.MemoryUsed
	out.Hits = info.Hits
	out.Misses = info.Misses
	return out, nil
}

// PerformanceStats aggregates the audit log over window; zero uses the configured default.
func (a *Aggregator) PerformanceStats(ctx context.Context, window time.Duration) (PerformanceStats, error) {
	if window <= 0 {
		window = a.window
	}
	agg, err := a.audit.Window(ctx, a.now().Add(-window))
	if err != nil {
		return PerformanceStats{}, fmt.Errorf("performance stats: %w", err)
	}
	return derivePerformance(agg, window), nil
}

func derivePerformance(agg audit.WindowAggregate, window time.Duration) PerformanceStats {
	out := PerformanceStats{
		WindowSeconds:      int64(window.Seconds()),
		TotalRequests:      agg.Total,
		CacheHits:          agg.Hits,
		CacheMisses:        agg.Misses,
		AvgCachedLatencyMs: roundPtr(agg.AvgCachedMs),
		AvgOriginLatencyMs: roundPtr(agg.AvgOriginMs),
	}
	if agg.Total == 0 || agg.AvgCachedMs == nil || agg.AvgOriginMs == nil {
		return out
	}

	hitRate := round2(float64(agg.Hits) / float64(agg.Total) * 100)
	out.HitRatePercent = &hitRate
	if *agg.AvgCachedMs > 0 {
		speedup := round2(*agg.AvgOriginMs / *agg.AvgCachedMs)
		out.SpeedupFactor = &speedup
	}
	return out
}

// History returns recent lookups. limit <= 0 uses the default; larger than the maximum is capped.
func (a *Aggregator) History(ctx context.Context, limit int, cityFilter string) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = a.defaultLimit
	}
	if limit > a.maxLimit {
		limit = a.maxLimit
	}
	rows, err := a.audit.History(ctx, limit, cityFilter)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if rows == nil {
		rows = []models.AuditRecord{}
	}
	return rows, nil
}

func (a *Aggregator) SearchStats(ctx context.Context) (SearchStats, error) {
	sum, err := a.audit.Summary(ctx)
	if err != nil {
		return SearchStats{}, fmt.Errorf("search stats: %w", err)
	}
	return SearchStats{
		TotalSearches:    sum.TotalSearches,
		UniqueCities:     sum.UniqueCities,
		MostSearchedCity: sum.MostSearchedCity,
		SearchCount:      sum.MostSearchedCount,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func roundPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := round2(*v)
	return &r
}
