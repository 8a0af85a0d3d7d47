package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// ErrUnavailable is returned by every Client operation once the backend probe has failed.
// Callers treat it as a miss.
var ErrUnavailable = errors.New("cache: unavailable")

// State is the client lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateProbing
	StateReady
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateProbing:
		return "probing"
	case StateReady:
		return "ready"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Options configures a Client.
type Options struct {
	// Timeout bounds each backend call, including the probe.
	Timeout time.Duration
	// ReprobeInterval lets an unavailable client probe again on next use once it
	// has elapsed. Zero keeps the client unavailable until Reset or Reprobe.
	ReprobeInterval time.Duration
	Logger          *zap.Logger
}

// Client wraps a Backend with a lazy availability probe. Safe for concurrent use.
type Client struct {
	backend         Backend
	timeout         time.Duration
	reprobeInterval time.Duration
	logger          *zap.Logger
	now             func() time.Time

	state    atomic.Int32
	probeMu  sync.Mutex
	failedAt time.Time // guarded by probeMu
}

// NewClient returns an uninitialized Client. The backend is probed on first use.
func NewClient(backend Backend, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		backend:         backend,
		timeout:         opts.Timeout,
		reprobeInterval: opts.ReprobeInterval,
		logger:          opts.Logger,
		now:             time.Now,
	}
	c.setState(StateUninitialized)
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	observability.CacheState.Set(float64(s))
}

// ensure probes the backend when needed and returns ErrUnavailable while degraded.
func (c *Client) ensure(ctx context.Context) error {
	if c.State() == StateReady {
		return nil
	}

	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	switch c.State() {
	case StateReady:
		return nil
	case StateUnavailable:
		if c.reprobeInterval <= 0 || c.now().Sub(c.failedAt) < c.reprobeInterval {
			return ErrUnavailable
		}
	}
	return c.probeLocked(ctx)
}

// probeLocked pings on a context detached from the caller, so a cancelled
// request cannot mark a healthy backend unavailable.
func (c *Client) probeLocked(ctx context.Context) error {
	c.setState(StateProbing)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	if err := c.backend.Ping(pctx); err != nil {
		c.failedAt = c.now()
		c.setState(StateUnavailable)
		observability.CacheOperationsTotal.WithLabelValues("probe", "error").Inc()
		c.logger.Warn("cache unavailable, continuing without cache", zap.Error(err))
		return ErrUnavailable
	}
	c.setState(StateReady)
	observability.CacheOperationsTotal.WithLabelValues("probe", "ok").Inc()
	c.logger.Info("cache connected")
	return nil
}

// Reprobe immediately probes an unavailable or uninitialized client, ignoring
// the reprobe interval. A ready client is left untouched.
func (c *Client) Reprobe(ctx context.Context) error {
	if c.State() == StateReady {
		return nil
	}
	c.probeMu.Lock()
	defer c.probeMu.Unlock()
	if c.State() == StateReady {
		return nil
	}
	return c.probeLocked(ctx)
}

// Reset returns the client to uninitialized so the next use probes again.
func (c *Client) Reset() {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()
	c.failedAt = time.Time{}
	c.setState(StateUninitialized)
}

// Get returns the raw value for key. A miss is (nil, false, nil).
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := c.ensure(ctx); err != nil {
		observability.CacheOperationsTotal.WithLabelValues("get", "unavailable").Inc()
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, ok, err := c.backend.Get(ctx, key)
	switch {
	case err != nil:
		observability.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	case !ok:
		observability.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
	default:
		observability.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
	}
	return raw, ok, nil
}

// Set stores value under key for ttl.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.ensure(ctx); err != nil {
		observability.CacheOperationsTotal.WithLabelValues("set", "unavailable").Inc()
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.backend.Set(ctx, key, value, ttl); err != nil {
		observability.CacheOperationsTotal.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	observability.CacheOperationsTotal.WithLabelValues("set", "ok").Inc()
	return nil
}

// TTL returns the remaining lifetime of key, negative when unknown.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := c.ensure(ctx); err != nil {
		observability.CacheOperationsTotal.WithLabelValues("ttl", "unavailable").Inc()
		return -1, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	d, err := c.backend.TTL(ctx, key)
	if err != nil {
		observability.CacheOperationsTotal.WithLabelValues("ttl", "error").Inc()
		return -1, fmt.Errorf("cache ttl %q: %w", key, err)
	}
	observability.CacheOperationsTotal.WithLabelValues("ttl", "ok").Inc()
	return d, nil
}

// KeysMatching lists keys matching a glob pattern.
func (c *Client) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	if err := c.ensure(ctx); err != nil {
		observability.CacheOperationsTotal.WithLabelValues("keys", "unavailable").Inc()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	keys, err := c.backend.Keys(ctx, pattern)
	if err != nil {
		observability.CacheOperationsTotal.WithLabelValues("keys", "error").Inc()
		return nil, fmt.Errorf("cache keys %q: %w", pattern, err)
	}
	observability.CacheOperationsTotal.WithLabelValues("keys", "ok").Inc()
	return keys, nil
}

// Info returns backend statistics.
func (c *Client) Info(ctx context.Context) (Info, error) {
	if err := c.ensure(ctx); err != nil {
		observability.CacheOperationsTotal.WithLabelValues("info", "unavailable").Inc()
		return Info{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	info, err := c.backend.Info(ctx)
	if err != nil {
		observability.CacheOperationsTotal.WithLabelValues("info", "error").Inc()
		return Info{}, fmt.Errorf("cache info: %w", err)
	}
	observability.CacheOperationsTotal.WithLabelValues("info", "ok").Inc()
	return info, nil
}

// Clear deletes every weather entry and returns how many were removed.
// Keys outside the weather namespace are untouched.
func (c *Client) Clear(ctx context.Context) (int, error) {
	keys, err := c.KeysMatching(ctx, WeatherPattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.backend.Delete(ctx, keys...)
	if err != nil {
		observability.CacheOperationsTotal.WithLabelValues("clear", "error").Inc()
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	observability.CacheOperationsTotal.WithLabelValues("clear", "ok").Inc()
	c.logger.Info("cache cleared", zap.Int64("deleted", n))
	return int(n), nil
}

// Close releases backend connections. Call during shutdown.
func (c *Client) Close() error {
	return c.backend.Close()
}
