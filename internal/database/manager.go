// Package database opens short-lived connections to the durable audit store.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kjstillabower/weather-cache-service/internal/config"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// ErrRetriesExhausted is returned when every connection attempt failed.
var ErrRetriesExhausted = errors.New("database: connection retries exhausted")

// Dialector builds the GORM dialector for one connection attempt.
type Dialector func() gorm.Dialector

// Acquirer hands out database handles. Callers must Close the handle they receive.
type Acquirer interface {
	Acquire(ctx context.Context) (*Handle, error)
}

// Handle is a single acquired connection. It is not shared between callers.
type Handle struct {
	DB *gorm.DB
}

// Close releases the underlying connection pool. Safe to call on a nil handle.
func (h *Handle) Close() error {
	if h == nil || h.DB == nil {
		return nil
	}
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Manager opens connections with a fixed retry policy.
type Manager struct {
	dial     Dialector
	attempts int
	delay    time.Duration
	logger   *zap.Logger
}

// NewManager returns a Manager that dials PostgreSQL with cfg.
func NewManager(cfg config.DatabaseConfig, logger *zap.Logger) *Manager {
	dsn := cfg.DSN()
	return NewManagerWithDialector(func() gorm.Dialector { return postgres.Open(dsn) }, cfg.ConnectAttempts, cfg.ConnectDelay, logger)
}

// NewManagerWithDialector returns a Manager using dial for every attempt.
// attempts below 1 are treated as 1.
func NewManagerWithDialector(dial Dialector, attempts int, delay time.Duration, logger *zap.Logger) *Manager {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{dial: dial, attempts: attempts, delay: delay, logger: logger}
}

// Acquire opens a fresh connection and verifies it with a ping, retrying up to
// the configured number of attempts with a fixed delay between them. The wait
// between attempts ends early if ctx is cancelled.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		h, err := m.open(ctx)
		if err == nil {
			observability.DBConnectAttemptsTotal.WithLabelValues("success").Inc()
			if attempt > 1 {
				m.logger.Info("database connection established", zap.Int("attempt", attempt))
			}
			return h, nil
		}
		lastErr = err
		observability.DBConnectAttemptsTotal.WithLabelValues("failure").Inc()
		m.logger.Warn("database connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", m.attempts),
			zap.Error(err),
		)

		if attempt == m.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("database: acquire cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(m.delay):
		}
	}

	observability.DBConnectAttemptsTotal.WithLabelValues("exhausted").Inc()
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, m.attempts, lastErr)
}

func (m *Manager) open(ctx context.Context) (*Handle, error) {
	db, err := gorm.Open(m.dial(), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	h := &Handle{DB: db}

	sqlDB, err := db.DB()
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return h, nil
}
