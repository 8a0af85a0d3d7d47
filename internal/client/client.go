package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

var (
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrLocationNotFound  = errors.New("location not found")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed upstream response")
	ErrCircuitOpen       = errors.New("circuit breaker open")
)

type OpenWeatherClient struct {
	apiKey         string
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *gobreaker.CircuitBreaker
	now            func() time.Time
}

func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	return NewOpenWeatherClientWithRetry(apiKey, apiURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

func NewOpenWeatherClientWithRetry(apiKey, apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenWeatherClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if _, err := url.Parse(apiURL); err != nil || apiURL == "" {
		return nil, fmt.Errorf("invalid API URL %q", apiURL)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}

	return &OpenWeatherClient{
		apiKey:         apiKey,
		apiURL:         apiURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}, nil
}

// SetCircuitBreaker wraps every upstream attempt in cb. Nil disables it.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *gobreaker.CircuitBreaker) {
	c.breaker = cb
}

// openWeatherResponse uses pointers so absent fields can be told apart from zero values.
type openWeatherResponse struct {
	Name  *string `json:"name"`
	Coord *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"coord"`
	Sys *struct {
		Country *string `json:"country"`
	} `json:"sys"`
	Main *struct {
		Temp      *float64 `json:"temp"`
		FeelsLike *float64 `json:"feels_like"`
		Humidity  *float64 `json:"humidity"`
		Pressure  *float64 `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Main        *string `json:"main"`
		Description *string `json:"description"`
		Icon        *string `json:"icon"`
	} `json:"weather"`
	Wind *struct {
		Speed *float64 `json:"speed"`
	} `json:"wind"`
}

// GetCurrentWeather fetches conditions for a location name in metric units.
func (c *OpenWeatherClient) GetCurrentWeather(ctx context.Context, location string) (models.Snapshot, error) {
	params := url.Values{}
	params.Set("q", location)
	return c.fetch(ctx, params)
}

// GetWeatherByCoordinates fetches conditions for a coordinate pair in metric units.
func (c *OpenWeatherClient) GetWeatherByCoordinates(ctx context.Context, lat, lon float64) (models.Snapshot, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	return c.fetch(ctx, params)
}

func (c *OpenWeatherClient) fetch(ctx context.Context, params url.Values) (models.Snapshot, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return models.Snapshot{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.attempt(ctx, params)
		if err == nil {
			return result, nil
		}

		lastErr = err
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		if !c.isRetryable(err) {
			return models.Snapshot{}, err
		}
	}

	return models.Snapshot{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *OpenWeatherClient) attempt(ctx context.Context, params url.Values) (models.Snapshot, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, params)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callAPI(ctx, params)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.Snapshot{}, fmt.Errorf("%w: %w", ErrUpstreamFailure, ErrCircuitOpen)
	}
	if err != nil {
		return models.Snapshot{}, err
	}
	return out.(models.Snapshot), nil
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, params url.Values) (models.Snapshot, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.Snapshot{}, fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.Snapshot{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.Snapshot{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return models.Snapshot{}, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("read response body: %w", err)
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: parse response: %v", ErrMalformedResponse, err)
	}

	return c.mapResponse(apiResp)
}

func (c *OpenWeatherClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "context canceled") {
		return true
	}

	return false
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, params url.Values) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")
	baseURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: upstream rejected the API key", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

// mapResponse normalizes a provider payload. Every field of models.Snapshot is required.
func (c *OpenWeatherClient) mapResponse(r openWeatherResponse) (models.Snapshot, error) {
	var missing []string
	need := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	need(r.Name != nil && *r.Name != "", "name")
	need(r.Sys != nil && r.Sys.Country != nil, "sys.country")
	need(r.Coord != nil && r.Coord.Lat != nil, "coord.lat")
	need(r.Coord != nil && r.Coord.Lon != nil, "coord.lon")
	need(r.Main != nil && r.Main.Temp != nil, "main.temp")
	need(r.Main != nil && r.Main.FeelsLike != nil, "main.feels_like")
	need(r.Main != nil && r.Main.Humidity != nil, "main.humidity")
	need(r.Main != nil && r.Main.Pressure != nil, "main.pressure")
	hasWeather := len(r.Weather) > 0
	need(hasWeather && r.Weather[0].Main != nil, "weather[0].main")
	need(hasWeather && r.Weather[0].Description != nil, "weather[0].description")
	need(hasWeather && r.Weather[0].Icon != nil, "weather[0].icon")
	need(r.Wind != nil && r.Wind.Speed != nil, "wind.speed")

	if len(missing) > 0 {
		return models.Snapshot{}, fmt.Errorf("%w: missing %s", ErrMalformedResponse, strings.Join(missing, ", "))
	}

	return models.Snapshot{
		City:        *r.Name,
		Country:     *r.Sys.Country,
		Coordinates: models.Coordinates{Lat: *r.Coord.Lat, Lon: *r.Coord.Lon},
		Temperature: *r.Main.Temp,
		FeelsLike:   *r.Main.FeelsLike,
		Humidity:    int(math.Round(*r.Main.Humidity)),
		Pressure:    int(math.Round(*r.Main.Pressure)),
		Weather: models.Conditions{
			Main:        *r.Weather[0].Main,
			Description: *r.Weather[0].Description,
			Icon:        *r.Weather[0].Icon,
		},
		Wind:      models.Wind{Speed: *r.Wind.Speed},
		Timestamp: c.now().UTC(),
	}, nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey makes one request for a well-known location and reports whether the key is accepted.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	params := url.Values{}
	params.Set("q", "London")
	req, err := c.buildRequest(ctx, params)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
