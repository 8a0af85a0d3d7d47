package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-cache-service/internal/audit"
	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/lifecycle"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/service"
	"github.com/kjstillabower/weather-cache-service/internal/stats"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

type mockLookup struct {
	obs    models.WeatherObservation
	err    error
	names  []string
	coords [][2]float64
	block  bool
}

func (m *mockLookup) Lookup(ctx context.Context, name string) (models.WeatherObservation, error) {
	m.names = append(m.names, name)
	if m.block {
		<-ctx.Done()
		return models.WeatherObservation{}, fmt.Errorf("fetch weather: %w", ctx.Err())
	}
	return m.obs, m.err
}

func (m *mockLookup) LookupByCoordinates(ctx context.Context, lat, lon float64) (models.WeatherObservation, error) {
	m.coords = append(m.coords, [2]float64{lat, lon})
	return m.obs, m.err
}

type mockStats struct {
	cacheStats stats.CacheStats
	perf       stats.PerformanceStats
	rows       []models.AuditRecord
	search     stats.SearchStats
	err        error
	gotWindow  time.Duration
	gotLimit   int
	gotCity    string
}

func (m *mockStats) CacheStats(ctx context.Context) (stats.CacheStats, error) {
	return m.cacheStats, m.err
}

func (m *mockStats) PerformanceStats(ctx context.Context, window time.Duration) (stats.PerformanceStats, error) {
	m.gotWindow = window
	return m.perf, m.err
}

func (m *mockStats) History(ctx context.Context, limit int, city string) ([]models.AuditRecord, error) {
	m.gotLimit, m.gotCity = limit, city
	return m.rows, m.err
}

func (m *mockStats) SearchStats(ctx context.Context) (stats.SearchStats, error) {
	return m.search, m.err
}

type mockCacheAdmin struct {
	state   cache.State
	cleared int
	err     error
}

func (m *mockCacheAdmin) State() cache.State { return m.state }

func (m *mockCacheAdmin) Clear(ctx context.Context) (int, error) {
	return m.cleared, m.err
}

type mockSchema struct{ ok bool }

func (m mockSchema) EnsureIfNeeded(ctx context.Context) bool { return m.ok }

type mockStore struct{ err error }

func (m mockStore) Ping(ctx context.Context) error { return m.err }

// blockingSchema waits for its context and reports whether it was cut short.
type blockingSchema struct{}

func (blockingSchema) EnsureIfNeeded(ctx context.Context) bool {
	<-ctx.Done()
	return false
}

type mockUpstream struct {
	err   error
	calls int
}

func (m *mockUpstream) ValidateAPIKey(ctx context.Context) error {
	m.calls++
	return m.err
}

func londonObservation() models.WeatherObservation {
	return models.NewObservation(models.Snapshot{
		City:        "London",
		Country:     "GB",
		Coordinates: models.Coordinates{Lat: 51.5085, Lon: -0.1257},
		Temperature: 15.2,
		Humidity:    70,
		Weather:     models.Conditions{Main: "Clouds", Description: "broken clouds", Icon: "04d"},
	}, models.ProvenanceOrigin, 240*time.Millisecond, nil)
}

func newTestRouter(d Deps) http.Handler {
	return NewRouter(NewHandler(d), RouterConfig{RequestTimeout: time.Second, Lifecycle: d.Lifecycle})
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return body
}

func TestGetWeather_City(t *testing.T) {
	lk := &mockLookup{obs: londonObservation()}
	w := do(t, newTestRouter(Deps{Weather: lk}), "GET", "/api/weather?city=London")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var got models.WeatherObservation
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.City != "London" || got.Temperature != 15.2 || got.Humidity != 70 {
		t.Errorf("body = %+v", got.Snapshot)
	}
	if got.Provenance != models.ProvenanceOrigin || got.Cached {
		t.Errorf("provenance = %s cached = %v", got.Provenance, got.Cached)
	}
	if len(lk.names) != 1 || lk.names[0] != "London" {
		t.Errorf("Lookup names = %v", lk.names)
	}
}

func TestGetWeather_Coordinates(t *testing.T) {
	lk := &mockLookup{obs: londonObservation()}
	router := newTestRouter(Deps{Weather: lk})

	w := do(t, router, "GET", "/api/weather?lat=51.5085&lon=-0.1257")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(lk.coords) != 1 || lk.coords[0] != [2]float64{51.5085, -0.1257} {
		t.Errorf("coords = %v", lk.coords)
	}

	for _, target := range []string{"/api/weather?lat=abc&lon=1", "/api/weather?lat=91&lon=0", "/api/weather?lat=10"} {
		w := do(t, router, "GET", target)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
		if body := decodeError(t, w); body.Error.Code != "INVALID_COORDINATES" {
			t.Errorf("%s: code = %q", target, body.Error.Code)
		}
	}
	if len(lk.coords) != 1 {
		t.Errorf("invalid coordinates reached the service: %v", lk.coords)
	}
}

func TestGetWeather_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"empty city", fmt.Errorf("%w: %w", service.ErrInvalidInput, validation.ErrLocationEmpty), http.StatusBadRequest, "INVALID_INPUT"},
		{"not found", fmt.Errorf("fetch weather for weather:atlantis: %w", client.ErrLocationNotFound), http.StatusNotFound, "LOCATION_NOT_FOUND"},
		{"upstream", client.ErrUpstreamFailure, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"rate limited", client.ErrRateLimited, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"invalid key", client.ErrInvalidAPIKey, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"circuit open", fmt.Errorf("%w: %w", client.ErrUpstreamFailure, client.ErrCircuitOpen), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"timeout", context.DeadlineExceeded, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"malformed", fmt.Errorf("%w: missing main.temp", client.ErrMalformedResponse), http.StatusInternalServerError, "INVALID_UPSTREAM_RESPONSE"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, newTestRouter(Deps{Weather: &mockLookup{err: tt.err}}), "GET", "/api/weather?city=x")
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			body := decodeError(t, w)
			if body.Error.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.wantErr)
			}
			if body.Error.RequestID == "" {
				t.Error("requestId missing from error body")
			}
		})
	}
}

func TestGetWeather_InputMessageEchoed(t *testing.T) {
	err := fmt.Errorf("%w: %w", service.ErrInvalidInput, validation.ErrLocationEmpty)
	w := do(t, newTestRouter(Deps{Weather: &mockLookup{err: err}}), "GET", "/api/weather")
	if body := decodeError(t, w); body.Error.Message != validation.ErrLocationEmpty.Error() {
		t.Errorf("message = %q, want %q", body.Error.Message, validation.ErrLocationEmpty.Error())
	}
}

func TestGetWeather_RequestTimeout(t *testing.T) {
	router := NewRouter(NewHandler(Deps{Weather: &mockLookup{block: true}}), RouterConfig{RequestTimeout: 30 * time.Millisecond})
	w := do(t, router, "GET", "/api/weather?city=London")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 after request timeout", w.Code)
	}
}

func TestGetHistory(t *testing.T) {
	ms := &mockStats{rows: []models.AuditRecord{{ID: 2, CityName: "London"}, {ID: 1, CityName: "Londonderry"}}}
	router := newTestRouter(Deps{Stats: ms})

	w := do(t, router, "GET", "/api/weather/history?limit=5&city=lon")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var rows []models.AuditRecord
	if err := json.NewDecoder(w.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != 2 {
		t.Errorf("rows = %+v", rows)
	}
	if ms.gotLimit != 5 || ms.gotCity != "lon" {
		t.Errorf("History(limit=%d, city=%q)", ms.gotLimit, ms.gotCity)
	}

	do(t, router, "GET", "/api/weather/history")
	if ms.gotLimit != 0 {
		t.Errorf("missing limit passed %d, want 0 (aggregator default)", ms.gotLimit)
	}

	for _, bad := range []string{"abc", "-1"} {
		w := do(t, router, "GET", "/api/weather/history?limit="+bad)
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", bad, w.Code)
		}
	}
}

func TestStatsEndpoints_StoreUnavailable(t *testing.T) {
	ms := &mockStats{err: fmt.Errorf("history: %w", audit.ErrStoreUnavailable)}
	router := newTestRouter(Deps{Stats: ms})

	for _, target := range []string{"/api/weather/history", "/api/weather/stats", "/api/performance/stats"} {
		w := do(t, router, "GET", target)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", target, w.Code)
		}
		if body := decodeError(t, w); body.Error.Code != "STORE_UNAVAILABLE" {
			t.Errorf("%s: code = %q", target, body.Error.Code)
		}
	}
}

func TestGetSearchStats(t *testing.T) {
	ms := &mockStats{search: stats.SearchStats{TotalSearches: 3, UniqueCities: 2, MostSearchedCity: "London", SearchCount: 2}}
	w := do(t, newTestRouter(Deps{Stats: ms}), "GET", "/api/weather/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got["most_searched_city"] != "London" || got["total_searches"] != float64(3) {
		t.Errorf("body = %v", got)
	}
}

func TestGetPerformanceStats(t *testing.T) {
	rate := 66.67
	ms := &mockStats{perf: stats.PerformanceStats{TotalRequests: 3, CacheHits: 2, CacheMisses: 1, HitRatePercent: &rate}}
	router := newTestRouter(Deps{Stats: ms})

	tests := []struct {
		query string
		want  time.Duration
	}{
		{"", 0},
		{"?window=30m", 30 * time.Minute},
		{"?window=600", 10 * time.Minute},
	}
	for _, tt := range tests {
		w := do(t, router, "GET", "/api/performance/stats"+tt.query)
		if w.Code != http.StatusOK {
			t.Fatalf("%q: status = %d", tt.query, w.Code)
		}
		if ms.gotWindow != tt.want {
			t.Errorf("%q: window = %v, want %v", tt.query, ms.gotWindow, tt.want)
		}
	}

	w := do(t, router, "GET", "/api/performance/stats")
	var got map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got["hit_rate_percent"] != 66.67 {
		t.Errorf("hit_rate_percent = %v", got["hit_rate_percent"])
	}
	if _, ok := got["speedup_factor"]; ok {
		t.Error("speedup_factor should be omitted when unset")
	}

	for _, bad := range []string{"0", "-5", "soon", "-1m"} {
		if w := do(t, router, "GET", "/api/performance/stats?window="+bad); w.Code != http.StatusBadRequest {
			t.Errorf("window=%s: status = %d, want 400", bad, w.Code)
		}
	}
}

func TestGetCacheStats(t *testing.T) {
	ms := &mockStats{cacheStats: stats.CacheStats{Status: stats.StatusUnavailable, TTLSeconds: 300}}
	w := do(t, newTestRouter(Deps{Stats: ms}), "GET", "/api/cache/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a degraded cache", w.Code)
	}
	var got stats.CacheStats
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.Status != stats.StatusUnavailable {
		t.Errorf("status = %q", got.Status)
	}

	ms.err = errors.New("i/o timeout")
	if w := do(t, newTestRouter(Deps{Stats: ms}), "GET", "/api/cache/stats"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("backend error status = %d, want 503", w.Code)
	}
}

func TestClearCache(t *testing.T) {
	admin := &mockCacheAdmin{state: cache.StateReady, cleared: 3}
	router := newTestRouter(Deps{Cache: admin})

	for _, rt := range []struct{ method, path string }{{"POST", "/api/cache/clear"}, {"DELETE", "/api/cache"}} {
		w := do(t, router, rt.method, rt.path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s %s: status = %d", rt.method, rt.path, w.Code)
		}
		var got map[string]interface{}
		_ = json.NewDecoder(w.Body).Decode(&got)
		if got["deleted"] != float64(3) {
			t.Errorf("%s %s: deleted = %v", rt.method, rt.path, got["deleted"])
		}
	}

	if w := do(t, router, "GET", "/api/cache/clear"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/cache/clear status = %d, want 405", w.Code)
	}

	admin.err = cache.ErrUnavailable
	w := do(t, router, "POST", "/api/cache/clear")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unavailable status = %d, want 503", w.Code)
	}
	if body := decodeError(t, w); body.Error.Code != "CACHE_UNAVAILABLE" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		state      cache.State
		shutdown   bool
		wantCode   int
		wantStatus string
	}{
		{"healthy", cache.StateReady, false, http.StatusOK, "healthy"},
		{"not yet probed", cache.StateUninitialized, false, http.StatusOK, "healthy"},
		{"cache down", cache.StateUnavailable, false, http.StatusOK, "degraded"},
		{"shutting down", cache.StateReady, true, http.StatusServiceUnavailable, "shutting-down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := lifecycle.New()
			lc.SetShuttingDown(tt.shutdown)
			w := do(t, newTestRouter(Deps{Cache: &mockCacheAdmin{state: tt.state}, Lifecycle: lc}), "GET", "/health")
			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			var got struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			_ = json.NewDecoder(w.Body).Decode(&got)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.Checks["cache"] != tt.state.String() {
				t.Errorf("checks.cache = %q, want %q", got.Checks["cache"], tt.state.String())
			}
		})
	}
}

func TestGetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	admin := &mockCacheAdmin{state: cache.StateReady}
	h := NewHandler(Deps{Cache: admin, Logger: zap.New(core)})
	router := NewRouter(h, RouterConfig{})

	do(t, router, "GET", "/health")
	admin.state = cache.StateUnavailable
	do(t, router, "GET", "/health")
	do(t, router, "GET", "/health")

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "cache_unavailable" {
		t.Errorf("transition fields = %v", fields)
	}
}

func TestGetHealth_Upstream(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		state        cache.State
		wantCode     int
		wantStatus   string
		wantUpstream string
	}{
		{"key accepted", nil, cache.StateReady, http.StatusOK, "healthy", "ok"},
		{"key rejected", fmt.Errorf("%w: not activated", client.ErrInvalidAPIKey), cache.StateReady, http.StatusServiceUnavailable, "degraded", "api_key_invalid"},
		{"provider unreachable", errors.New("dial tcp: connection refused"), cache.StateReady, http.StatusOK, "degraded", "unreachable"},
		{"key rejected with cache down", client.ErrInvalidAPIKey, cache.StateUnavailable, http.StatusServiceUnavailable, "degraded", "api_key_invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Deps{Cache: &mockCacheAdmin{state: tt.state}, Upstream: &mockUpstream{err: tt.err}}
			w := do(t, newTestRouter(d), "GET", "/health")
			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			var got struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			_ = json.NewDecoder(w.Body).Decode(&got)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.Checks["upstream"] != tt.wantUpstream {
				t.Errorf("checks.upstream = %q, want %q", got.Checks["upstream"], tt.wantUpstream)
			}
		})
	}
}

func TestGetHealth_UpstreamCheckReused(t *testing.T) {
	up := &mockUpstream{}
	h := NewHandler(Deps{Upstream: up, UpstreamCheckInterval: time.Minute})
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	router := NewRouter(h, RouterConfig{})

	do(t, router, "GET", "/health")
	now = now.Add(30 * time.Second)
	do(t, router, "GET", "/health")
	if up.calls != 1 {
		t.Fatalf("upstream checks = %d, want 1 within the interval", up.calls)
	}

	now = now.Add(31 * time.Second)
	do(t, router, "GET", "/health")
	if up.calls != 2 {
		t.Errorf("upstream checks = %d, want 2 after the interval", up.calls)
	}
}

func TestGetHealth_ShuttingDownSkipsUpstream(t *testing.T) {
	lc := lifecycle.New()
	lc.SetShuttingDown(true)
	up := &mockUpstream{}
	w := do(t, newTestRouter(Deps{Upstream: up, Lifecycle: lc}), "GET", "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", w.Code)
	}
	if up.calls != 0 {
		t.Errorf("upstream checks = %d, want 0 while shutting down", up.calls)
	}
}

func TestGetReady_BoundedBySchemaTimeout(t *testing.T) {
	d := Deps{Schema: blockingSchema{}, Store: mockStore{}, ReadyTimeout: 50 * time.Millisecond}
	start := time.Now()
	w := do(t, newTestRouter(d), "GET", "/ready")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("/ready took %v, want it bounded by ReadyTimeout", elapsed)
	}
}

func TestGetReady(t *testing.T) {
	tests := []struct {
		name     string
		schema   bool
		storeErr error
		shutdown bool
		wantCode int
	}{
		{"ready", true, nil, false, http.StatusOK},
		{"schema failed", false, nil, false, http.StatusServiceUnavailable},
		{"store down", true, audit.ErrStoreUnavailable, false, http.StatusServiceUnavailable},
		{"shutting down", true, nil, true, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := lifecycle.New()
			lc.SetShuttingDown(tt.shutdown)
			d := Deps{Schema: mockSchema{ok: tt.schema}, Store: mockStore{err: tt.storeErr}, Lifecycle: lc}
			w := do(t, newTestRouter(d), "GET", "/ready")
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 90 ", 90 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"0", 0, true},
		{"0s", 0, true},
		{"yesterday", 0, true},
	}
	for _, tt := range tests {
		got, err := parseWindow(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseWindow(%q) = %v, %v; want %v, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestClassify_WrappedStoreError(t *testing.T) {
	err := fmt.Errorf("search stats: %w", fmt.Errorf("%w: count searches: no such table", audit.ErrStoreUnavailable))
	if m := classify(err); m.status != http.StatusServiceUnavailable || !strings.Contains(m.code, "STORE") {
		t.Errorf("classify() = %+v", m)
	}
}
