package service

import (
	"sync"
)

// missTracker counts upstream fetches in progress per cache key. Concurrent
// misses for one key are only measured here; each request still fetches on its own.
type missTracker struct {
	mu     sync.Mutex
	active map[string]int // key -> fetches in progress
}

func newMissTracker() *missTracker {
	return &missTracker{
		active: make(map[string]int),
	}
}

// begin registers a fetch for key and returns how many are now in progress, this one included.
// Callers must call end(key) once the fetch completes.
func (mt *missTracker) begin(key string) int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.active[key]++
	return mt.active[key]
}

func (mt *missTracker) end(key string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if n, ok := mt.active[key]; ok && n > 0 {
		if n == 1 {
			delete(mt.active, key)
			return
		}
		mt.active[key] = n - 1
	}
}

// inFlight returns the number of fetches in progress for key.
func (mt *missTracker) inFlight(key string) int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.active[key]
}
