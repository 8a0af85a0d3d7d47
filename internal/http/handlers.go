package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/audit"
	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/lifecycle"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/service"
	"github.com/kjstillabower/weather-cache-service/internal/stats"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

// WeatherLookup serves read-through lookups.
type WeatherLookup interface {
	Lookup(ctx context.Context, name string) (models.WeatherObservation, error)
	LookupByCoordinates(ctx context.Context, lat, lon float64) (models.WeatherObservation, error)
}

// StatsReader answers the statistics endpoints.
type StatsReader interface {
	CacheStats(ctx context.Context) (stats.CacheStats, error)
	PerformanceStats(ctx context.Context, window time.Duration) (stats.PerformanceStats, error)
	History(ctx context.Context, limit int, cityFilter string) ([]models.AuditRecord, error)
	SearchStats(ctx context.Context) (stats.SearchStats, error)
}

// CacheAdmin exposes cache state and the namespace clear.
type CacheAdmin interface {
	State() cache.State
	Clear(ctx context.Context) (int, error)
}

type SchemaEnsurer interface {
	EnsureIfNeeded(ctx context.Context) bool
}

type StorePinger interface {
	Ping(ctx context.Context) error
}

// UpstreamChecker verifies the provider accepts the configured API key.
type UpstreamChecker interface {
	ValidateAPIKey(ctx context.Context) error
}

const (
	defaultReadyTimeout          = 5 * time.Second
	defaultUpstreamCheckInterval = time.Minute
)

// Deps are the collaborators a Handler serves from. Lifecycle and Logger
// default when nil; Upstream is skipped when nil; the rest are required for
// their routes.
type Deps struct {
	Weather   WeatherLookup
	Stats     StatsReader
	Cache     CacheAdmin
	Schema    SchemaEnsurer
	Store     StorePinger
	Upstream  UpstreamChecker
	Lifecycle *lifecycle.Tracker
	Logger    *zap.Logger

	// ReadyTimeout bounds the schema ensure and store ping in /ready.
	ReadyTimeout          time.Duration
	// UpstreamCheckInterval is how long an API key check result is reused by /health.
	UpstreamCheckInterval time.Duration
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather   WeatherLookup
	stats     StatsReader
	cache     CacheAdmin
	schema    SchemaEnsurer
	store     StorePinger
	upstream  UpstreamChecker
	lifecycle *lifecycle.Tracker
	logger    *zap.Logger

	readyTimeout          time.Duration
	upstreamCheckInterval time.Duration

	healthStatusMu   sync.Mutex
	healthStatusPrev string

	upstreamMu        sync.Mutex
	upstreamCheckedAt time.Time
	upstreamErr       error
	now               func() time.Time
}

func NewHandler(d Deps) *Handler {
	if d.Lifecycle == nil {
		d.Lifecycle = lifecycle.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.ReadyTimeout <= 0 {
		d.ReadyTimeout = defaultReadyTimeout
	}
	if d.UpstreamCheckInterval <= 0 {
		d.UpstreamCheckInterval = defaultUpstreamCheckInterval
	}
	return &Handler{
		weather:               d.Weather,
		stats:                 d.Stats,
		cache:                 d.Cache,
		schema:                d.Schema,
		store:                 d.Store,
		upstream:              d.Upstream,
		lifecycle:             d.Lifecycle,
		logger:                d.Logger,
		readyTimeout:          d.ReadyTimeout,
		upstreamCheckInterval: d.UpstreamCheckInterval,
		now:                   time.Now,
	}
}

// GetWeather handles GET /api/weather?city= and GET /api/weather?lat=&lon=.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		obs models.WeatherObservation
		err error
	)
	if q.Has("lat") || q.Has("lon") {
		lat, lon, perr := validation.ParseCoordinates(q.Get("lat"), q.Get("lon"))
		if perr != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", perr.Error())
			return
		}
		obs, err = h.weather.LookupByCoordinates(r.Context(), lat, lon)
	} else {
		obs, err = h.weather.Lookup(r.Context(), q.Get("city"))
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

// GetHistory handles GET /api/weather/history?limit=&city=.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	rows, err := h.stats.History(r.Context(), limit, r.URL.Query().Get("city"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetSearchStats handles GET /api/weather/stats.
func (h *Handler) GetSearchStats(w http.ResponseWriter, r *http.Request) {
	out, err := h.stats.SearchStats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPerformanceStats handles GET /api/performance/stats?window=. window is a
// Go duration ("30m") or whole seconds; empty uses the configured default.
func (h *Handler) GetPerformanceStats(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_WINDOW", err.Error())
		return
	}
	out, err := h.stats.PerformanceStats(r.Context(), window)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseWindow(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, errors.New("window must be positive")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("window must be a duration such as 30m or a number of seconds")
	}
	if d <= 0 {
		return 0, errors.New("window must be positive")
	}
	return d, nil
}

// GetCacheStats handles GET /api/cache/stats. An unavailable cache is reported
// in the body with 200.
func (h *Handler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	out, err := h.stats.CacheStats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "CACHE_ERROR", "Unable to read cache statistics")
		observability.LoggerFromContext(r.Context(), h.logger).Warn("cache stats failed", zap.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ClearCache handles POST /api/cache/clear and DELETE /api/cache.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.cache.Clear(r.Context())
	if err != nil {
		if errors.Is(err, cache.ErrUnavailable) {
			writeError(w, r, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "Cache is unavailable")
			return
		}
		observability.LoggerFromContext(r.Context(), h.logger).Warn("cache clear failed", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "CACHE_ERROR", "Unable to clear cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "cleared",
		"deleted": n,
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health. A degraded cache keeps the service live.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result, checks := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":         result.status,
		"service":        "weather-cache-service",
		"version":        "dev",
		"checks":         checks,
		"uptime_seconds": int64(h.lifecycle.Uptime().Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: shutting-down, API key rejected,
// upstream unreachable, cache unavailable, healthy. Only a rejected key returns 503.
func (h *Handler) computeHealthStatus(ctx context.Context) (healthResult, map[string]string) {
	checks := map[string]string{}
	if h.cache != nil {
		checks["cache"] = h.cache.State().String()
	}
	if h.lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}, checks
	}

	var upstreamErr error
	if h.upstream != nil {
		upstreamErr = h.checkUpstream(ctx)
		switch {
		case upstreamErr == nil:
			checks["upstream"] = "ok"
		case errors.Is(upstreamErr, client.ErrInvalidAPIKey):
			checks["upstream"] = "api_key_invalid"
			return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}, checks
		default:
			checks["upstream"] = "unreachable"
		}
	}
	if upstreamErr != nil {
		return healthResult{"degraded", http.StatusOK, "upstream_unreachable"}, checks
	}
	if h.cache != nil && h.cache.State() == cache.StateUnavailable {
		return healthResult{"degraded", http.StatusOK, "cache_unavailable"}, checks
	}
	return healthResult{"healthy", http.StatusOK, ""}, checks
}

// checkUpstream validates the API key at most once per upstreamCheckInterval.
func (h *Handler) checkUpstream(ctx context.Context) error {
	h.upstreamMu.Lock()
	defer h.upstreamMu.Unlock()

	now := h.now()
	if !h.upstreamCheckedAt.IsZero() && now.Sub(h.upstreamCheckedAt) < h.upstreamCheckInterval {
		return h.upstreamErr
	}
	h.upstreamErr = h.upstream.ValidateAPIKey(ctx)
	h.upstreamCheckedAt = now
	if h.upstreamErr != nil {
		observability.LoggerFromContext(ctx, h.logger).Warn("health: upstream check failed", zap.Error(h.upstreamErr))
	}
	return h.upstreamErr
}

// GetReady handles GET /ready. The schema ensure is retried here until it
// succeeds once; the store must also be reachable.
func (h *Handler) GetReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := !h.lifecycle.IsShuttingDown()
	if !ready {
		checks["lifecycle"] = "shutting-down"
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.readyTimeout)
	defer cancel()

	if h.schema != nil {
		if h.schema.EnsureIfNeeded(ctx) {
			checks["schema"] = "ok"
		} else {
			checks["schema"] = "failed"
			ready = false
		}
	}
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			observability.LoggerFromContext(ctx, h.logger).Debug("readiness: store unreachable", zap.Error(err))
			checks["store"] = "unreachable"
			ready = false
		} else {
			checks["store"] = "ok"
		}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not-ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// writeJSON writes v as the JSON body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

type errorMapping struct {
	status  int
	code    string
	message string
}

// classify maps lookup and store errors onto HTTP responses.
func classify(err error) errorMapping {
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, validation.ErrLocationEmpty),
		errors.Is(err, validation.ErrLocationTooLong),
		errors.Is(err, validation.ErrLocationInvalidChars),
		errors.Is(err, validation.ErrCoordinatesInvalid):
		return errorMapping{http.StatusBadRequest, "INVALID_INPUT", ""}
	case errors.Is(err, client.ErrLocationNotFound):
		return errorMapping{http.StatusNotFound, "LOCATION_NOT_FOUND", "Location not found"}
	case errors.Is(err, client.ErrMalformedResponse):
		return errorMapping{http.StatusInternalServerError, "INVALID_UPSTREAM_RESPONSE", "Weather provider returned an unusable response"}
	case errors.Is(err, client.ErrUpstreamFailure),
		errors.Is(err, client.ErrRateLimited),
		errors.Is(err, client.ErrInvalidAPIKey),
		errors.Is(err, client.ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded):
		return errorMapping{http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data"}
	case errors.Is(err, audit.ErrStoreUnavailable):
		return errorMapping{http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Search history is unavailable"}
	default:
		return errorMapping{http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error"}
	}
}

// writeServiceError writes the mapped error response. Input errors echo their
// message; everything else is logged at DEBUG with its category.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	m := classify(err)
	if m.status == http.StatusBadRequest {
		m.message = strings.TrimPrefix(err.Error(), service.ErrInvalidInput.Error()+": ")
	} else {
		observability.LoggerFromContext(r.Context(), nil).Debug("request failed",
			zap.Int("status", m.status),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err))
	}
	writeError(w, r, m.status, m.code, m.message)
}
