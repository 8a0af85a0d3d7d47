package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-cache-service/internal/lifecycle"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// RouterConfig holds the transport settings applied around the handlers.
type RouterConfig struct {
	// RequestTimeout bounds GET /api/weather. Zero disables it.
	RequestTimeout time.Duration
	// Limiter guards every /api route; nil disables rate limiting.
	Limiter   *rate.Limiter
	Lifecycle *lifecycle.Tracker
	Logger    *zap.Logger
}

// NewRouter mounts every route. /health, /ready and /metrics are never rate limited.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware(cfg.Lifecycle))
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.GetReady).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))

	var lookup http.Handler = http.HandlerFunc(h.GetWeather)
	if cfg.RequestTimeout > 0 {
		lookup = TimeoutMiddleware(cfg.RequestTimeout)(lookup)
	}
	api.Handle("/weather", lookup).Methods(http.MethodGet)
	api.HandleFunc("/weather/history", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/weather/stats", h.GetSearchStats).Methods(http.MethodGet)
	api.HandleFunc("/performance/stats", h.GetPerformanceStats).Methods(http.MethodGet)
	api.HandleFunc("/cache/stats", h.GetCacheStats).Methods(http.MethodGet)
	api.HandleFunc("/cache/clear", h.ClearCache).Methods(http.MethodPost)
	api.HandleFunc("/cache", h.ClearCache).Methods(http.MethodDelete)
	return router
}
