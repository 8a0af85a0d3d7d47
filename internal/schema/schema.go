// Package schema brings the audit table up to date with ordered, idempotent steps.
package schema

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kjstillabower/weather-cache-service/internal/database"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// baseSearch is the first-release shape of the audit table, before cached and
// response_time_ms existed. Later columns are added by their own steps.
type baseSearch struct {
	ID                 uint      `gorm:"primaryKey"`
	CityName           string    `gorm:"column:city_name;type:varchar(100);not null"`
	Country            string    `gorm:"column:country;type:varchar(10)"`
	Latitude           float64   `gorm:"column:latitude;type:decimal(10,6)"`
	Longitude          float64   `gorm:"column:longitude;type:decimal(10,6)"`
	Temperature        float64   `gorm:"column:temperature;type:decimal(5,2)"`
	FeelsLike          float64   `gorm:"column:feels_like;type:decimal(5,2)"`
	Humidity           int       `gorm:"column:humidity"`
	Pressure           int       `gorm:"column:pressure"`
	WeatherMain        string    `gorm:"column:weather_main;type:varchar(50)"`
	WeatherDescription string    `gorm:"column:weather_description;type:varchar(100)"`
	WindSpeed          float64   `gorm:"column:wind_speed;type:decimal(5,2)"`
	SearchedAt         time.Time `gorm:"column:searched_at;default:CURRENT_TIMESTAMP"`
}

func (baseSearch) TableName() string {
	return models.AuditTable
}

// Step is one migration unit. Present reports whether the step's effect already exists.
type Step struct {
	Name    string
	Present func(db *gorm.DB) bool
	Apply   func(db *gorm.DB) error
}

// Steps returns the audit table migrations in the order they must run.
func Steps() []Step {
	record := &models.AuditRecord{}
	return []Step{
		{
			Name:    "create_table",
			Present: func(db *gorm.DB) bool { return db.Migrator().HasTable(models.AuditTable) },
			Apply:   func(db *gorm.DB) error { return db.Migrator().CreateTable(&baseSearch{}) },
		},
		{
			Name:    "add_cached",
			Present: func(db *gorm.DB) bool { return db.Migrator().HasColumn(record, "cached") },
			Apply:   func(db *gorm.DB) error { return db.Migrator().AddColumn(record, "Cached") },
		},
		{
			Name:    "add_response_time_ms",
			Present: func(db *gorm.DB) bool { return db.Migrator().HasColumn(record, "response_time_ms") },
			Apply:   func(db *gorm.DB) error { return db.Migrator().AddColumn(record, "ResponseTimeMs") },
		},
		indexStep("idx_city_name", "city_name"),
		indexStep("idx_searched_at", "searched_at"),
	}
}

func indexStep(name, column string) Step {
	return Step{
		Name:    "create_" + name,
		Present: func(db *gorm.DB) bool { return db.Migrator().HasIndex(models.AuditTable, name) },
		Apply: func(db *gorm.DB) error {
			return db.Exec("CREATE INDEX IF NOT EXISTS " + name + " ON " + models.AuditTable + "(" + column + ")").Error
		},
	}
}

// Manager runs the migration steps against a freshly acquired connection.
type Manager struct {
	conns   database.Acquirer
	steps   []Step
	timeout time.Duration
	logger  *zap.Logger
	ensured atomic.Bool
}

// NewManager returns a Manager running Steps(). timeout bounds each step.
func NewManager(conns database.Acquirer, timeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{conns: conns, steps: Steps(), timeout: timeout, logger: logger}
}

// Ensure runs every step in order, skipping those already present. It returns
// false on the first failed step and logs the cause; it never panics or returns
// an error. Safe to call repeatedly and from concurrent instances.
func (m *Manager) Ensure(ctx context.Context) bool {
	h, err := m.conns.Acquire(ctx)
	if err != nil {
		m.logger.Error("schema ensure: acquire connection failed", zap.Error(err))
		return false
	}
	defer func() {
		if err := h.Close(); err != nil {
			m.logger.Warn("schema ensure: close connection", zap.Error(err))
		}
	}()

	for _, s := range m.steps {
		outcome, err := m.run(ctx, h.DB, s)
		observability.SchemaStepsTotal.WithLabelValues(s.Name, outcome).Inc()
		if err != nil {
			m.logger.Error("schema step failed", zap.String("step", s.Name), zap.Error(err))
			return false
		}
		if outcome == "applied" {
			m.logger.Info("schema step applied", zap.String("step", s.Name))
		}
	}
	m.ensured.Store(true)
	return true
}

// EnsureIfNeeded returns true immediately once a previous Ensure succeeded.
func (m *Manager) EnsureIfNeeded(ctx context.Context) bool {
	if m.ensured.Load() {
		return true
	}
	return m.Ensure(ctx)
}

// Ensured reports whether a previous Ensure succeeded.
func (m *Manager) Ensured() bool {
	return m.ensured.Load()
}

func (m *Manager) run(ctx context.Context, db *gorm.DB, s Step) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	db = db.WithContext(ctx)

	if s.Present(db) {
		return "present", nil
	}
	if err := s.Apply(db); err != nil {
		// Another instance may have applied the same step between our check and apply.
		if isAlreadyExists(err) && s.Present(db) {
			return "present", nil
		}
		return "failed", err
	}
	return "applied", nil
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate")
}
