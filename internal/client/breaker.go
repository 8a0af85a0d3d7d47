package client

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// NewCircuitBreaker opens after failureThreshold consecutive upstream failures and
// lets a single trial request through once timeout has elapsed. Not-found answers
// and caller cancellations do not count as failures.
func NewCircuitBreaker(failureThreshold int, timeout time.Duration, logger *zap.Logger) *gobreaker.CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	observability.CircuitBreakerState.Set(breakerStateValue(gobreaker.StateClosed))

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "weather_api",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureThreshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrLocationNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerState.Set(breakerStateValue(to))
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
