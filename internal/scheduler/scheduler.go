// Package scheduler runs the background maintenance jobs: cache re-probing and
// retrying the schema ensure until it succeeds.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/cache"
)

// Reprober is the cache client's recovery surface.
type Reprober interface {
	State() cache.State
	Reprobe(ctx context.Context) error
}

// SchemaEnsurer applies pending schema steps.
type SchemaEnsurer interface {
	EnsureIfNeeded(ctx context.Context) bool
}

type Config struct {
	// ReprobeInterval schedules the cache job; zero disables it.
	ReprobeInterval time.Duration
	ReprobeTimeout  time.Duration
	// SchemaInterval schedules the schema retry job; zero disables it.
	SchemaInterval time.Duration
	SchemaTimeout  time.Duration
}

// Scheduler owns a gocron scheduler with at most two jobs.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cache     Reprober
	schema    SchemaEnsurer
	cfg       Config
	logger    *zap.Logger
}

// New creates a Scheduler. Either dependency may be nil, which drops its job.
func New(cfg Config, c Reprober, s SchemaEnsurer, logger *zap.Logger) *Scheduler {
	if cfg.ReprobeTimeout <= 0 {
		cfg.ReprobeTimeout = time.Second
	}
	if cfg.SchemaTimeout <= 0 {
		cfg.SchemaTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	gs := gocron.NewScheduler(time.UTC)
	gs.SingletonModeAll()
	return &Scheduler{scheduler: gs, cache: c, schema: s, cfg: cfg, logger: logger}
}

// Start registers the enabled jobs and starts the scheduler. It returns the
// number of jobs scheduled; with none, nothing is started.
func (s *Scheduler) Start() (int, error) {
	jobs := 0
	if s.cache != nil && s.cfg.ReprobeInterval > 0 {
		if _, err := s.scheduler.Every(s.cfg.ReprobeInterval).Do(s.reprobeCache); err != nil {
			return 0, err
		}
		jobs++
	}
	if s.schema != nil && s.cfg.SchemaInterval > 0 {
		if _, err := s.scheduler.Every(s.cfg.SchemaInterval).Do(s.ensureSchema); err != nil {
			return 0, err
		}
		jobs++
	}
	if jobs == 0 {
		s.logger.Debug("scheduler: nothing to schedule")
		return 0, nil
	}
	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", zap.Int("jobs", jobs))
	return jobs, nil
}

// Stop cancels future runs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) reprobeCache() {
	if s.cache.State() == cache.StateReady {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReprobeTimeout)
	defer cancel()
	if err := s.cache.Reprobe(ctx); err != nil {
		s.logger.Debug("scheduler: cache still unavailable", zap.Error(err))
		return
	}
	s.logger.Info("scheduler: cache recovered")
}

func (s *Scheduler) ensureSchema() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SchemaTimeout)
	defer cancel()
	if !s.schema.EnsureIfNeeded(ctx) {
		s.logger.Warn("scheduler: schema ensure failed, will retry")
	}
}
