package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestCategorizeError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"canceled", context.Canceled, ErrorCategoryTimeout},
		{"wrapped deadline", fmt.Errorf("request timeout: %w", context.DeadlineExceeded), ErrorCategoryTimeout},
		{"invalid API key", ErrInvalidAPIKey, ErrorCategoryInvalidAPIKey},
		{"wrapped invalid API key", fmt.Errorf("auth: %w", ErrInvalidAPIKey), ErrorCategoryInvalidAPIKey},
		{"location not found", ErrLocationNotFound, ErrorCategoryLocationNotFound},
		{"rate limited", ErrRateLimited, ErrorCategoryRateLimited},
		{"upstream failure", ErrUpstreamFailure, ErrorCategoryUpstream5xx},
		{"circuit open", fmt.Errorf("%w: %w", ErrUpstreamFailure, ErrCircuitOpen), ErrorCategoryCircuitOpen},
		{"malformed response", fmt.Errorf("%w: missing name", ErrMalformedResponse), ErrorCategoryParsing},
		{"dial refused", fmt.Errorf("http request failed: %w", &url.Error{Op: "Get", URL: "http://x", Err: refused}), ErrorCategoryNetwork},
		{"net timeout", &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}}, ErrorCategoryTimeout},
		{"message only", errors.New("connection refused"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategorizeError(tt.err); got != tt.want {
				t.Errorf("CategorizeError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCategorizeError_ClosedServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	c := fastClient(t, addr)
	c.retryAttempts = 1
	_, err := c.GetCurrentWeather(context.Background(), "London")
	if err == nil {
		t.Fatal("GetCurrentWeather() error = nil against a closed server")
	}
	if got := CategorizeError(err); got != ErrorCategoryNetwork {
		t.Errorf("CategorizeError(%v) = %v, want network", err, got)
	}
}
