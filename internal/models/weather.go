package models

import "time"

// Provenance tags where an observation was served from.
type Provenance string

const (
	ProvenanceCache  Provenance = "cache"
	ProvenanceOrigin Provenance = "origin"
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Conditions struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type Wind struct {
	Speed float64 `json:"speed"`
}

// Snapshot is the provider-derived part of an observation. It is what gets
// stored in the cache; provenance and latency are recomputed per lookup.
type Snapshot struct {
	City        string      `json:"city"`
	Country     string      `json:"country"`
	Coordinates Coordinates `json:"coordinates"`
	Temperature float64     `json:"temperature"`
	FeelsLike   float64     `json:"feels_like"`
	Humidity    int         `json:"humidity"`
	Pressure    int         `json:"pressure"`
	Weather     Conditions  `json:"weather"`
	Wind        Wind        `json:"wind"`
	Timestamp   time.Time   `json:"timestamp"` // capture time, not provider time
}

// WeatherObservation is the value returned by a lookup. Built once per request.
type WeatherObservation struct {
	Snapshot
	Provenance      Provenance `json:"provenance"`
	Cached          bool       `json:"cached"`
	ResponseTimeMs  int64      `json:"response_time_ms"`
	CacheAgeSeconds *int64     `json:"cache_age_seconds,omitempty"` // set on cache hits only
}

// NewObservation stamps a snapshot with lookup metadata.
func NewObservation(s Snapshot, p Provenance, elapsed time.Duration, cacheAge *time.Duration) WeatherObservation {
	obs := WeatherObservation{
		Snapshot:       s,
		Provenance:     p,
		Cached:         p == ProvenanceCache,
		ResponseTimeMs: elapsed.Milliseconds(),
	}
	if cacheAge != nil {
		secs := int64(cacheAge.Seconds())
		obs.CacheAgeSeconds = &secs
	}
	return obs
}
