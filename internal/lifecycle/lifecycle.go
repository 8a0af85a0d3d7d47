// Package lifecycle tracks process state reported by /health and drained during shutdown.
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"
)

// Tracker holds the shutdown flag and the number of requests being served.
// The zero value is usable; New also records the start time.
type Tracker struct {
	startedAt    time.Time
	shuttingDown atomic.Bool
	inFlight     atomic.Int64
}

func New() *Tracker {
	return &Tracker{startedAt: time.Now()}
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT is received.
// /health reports shutting-down with 503 while true.
func (t *Tracker) SetShuttingDown(v bool) {
	t.shuttingDown.Store(v)
}

func (t *Tracker) IsShuttingDown() bool {
	return t.shuttingDown.Load()
}

// Uptime is zero for a Tracker not built with New.
func (t *Tracker) Uptime() time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	return time.Since(t.startedAt)
}

// RequestStarted and RequestDone bracket every served request.
func (t *Tracker) RequestStarted() {
	t.inFlight.Add(1)
}

func (t *Tracker) RequestDone() {
	t.inFlight.Add(-1)
}

func (t *Tracker) InFlight() int64 {
	return t.inFlight.Load()
}

// WaitForIdle blocks until no request is in flight or ctx is done.
func (t *Tracker) WaitForIdle(ctx context.Context, checkInterval time.Duration) error {
	if checkInterval <= 0 {
		checkInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if t.InFlight() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
