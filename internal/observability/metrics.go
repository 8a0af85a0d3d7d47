package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap API call rate by status label.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per request. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Upstream errors by category (timeout, location_not_found, parsing, ...).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Lookups served, by provenance (cache|origin). Hit rate = cache/(cache+origin).
	LookupsTotal *prometheus.CounterVec

	// Lookup latency as reported in response_time_ms, by provenance.
	LookupDuration *prometheus.HistogramVec

	// Cache operations by op (get, set, ttl, keys, info, clear) and result (hit, miss, ok, error, unavailable).
	CacheOperationsTotal *prometheus.CounterVec

	// Cache client lifecycle state: 0 uninitialized, 1 probing, 2 ready, 3 unavailable.
	CacheState prometheus.Gauge

	// Concurrent misses for the same key. Watch for: hot keys expiring under load.
	CacheStampedeDetectedTotal prometheus.Counter

	// Audit log writes by status (ok, failed, skipped).
	AuditWritesTotal *prometheus.CounterVec

	// Durable store connection attempts by result (success, failure, exhausted).
	DBConnectAttemptsTotal *prometheus.CounterVec

	// Schema migration steps by step name and outcome (applied, present, failed).
	SchemaStepsTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// Upstream circuit breaker state: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState prometheus.Gauge
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Weather API errors by category",
		},
		[]string{"category"},
	)
	LookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherLookupsTotal",
			Help: "Successful weather lookups by provenance",
		},
		[]string{"provenance"},
	)
	LookupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherLookupDurationSeconds",
			Help:    "Weather lookup latency in seconds by provenance",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provenance"},
	)
	CacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheOperationsTotal",
			Help: "Cache operations by operation and result",
		},
		[]string{"op", "result"},
	)
	CacheState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cacheClientState",
			Help: "Cache client state: 0 uninitialized, 1 probing, 2 ready, 3 unavailable",
		},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Cache misses that overlapped with another in-progress miss for the same key",
		},
	)
	AuditWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditWritesTotal",
			Help: "Audit log writes by status",
		},
		[]string{"status"},
	)
	DBConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbConnectAttemptsTotal",
			Help: "Durable store connection attempts by result",
		},
		[]string{"result"},
	)
	SchemaStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schemaStepsTotal",
			Help: "Schema migration steps by step and outcome",
		},
		[]string{"step", "outcome"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Weather API circuit breaker: 0 closed, 1 half-open, 2 open",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal, WeatherAPIErrorsTotal,
		LookupsTotal, LookupDuration,
		CacheOperationsTotal, CacheState, CacheStampedeDetectedTotal,
		AuditWritesTotal, DBConnectAttemptsTotal, SchemaStepsTotal,
		RateLimitDeniedTotal, CircuitBreakerState,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
