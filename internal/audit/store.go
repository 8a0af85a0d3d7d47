// Package audit persists the append-only lookup log and answers queries over it.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/database"
	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// ErrStoreUnavailable wraps failures to reach or query the durable store.
var ErrStoreUnavailable = errors.New("audit: store unavailable")

// Store reads and writes models.AuditRecord rows. Each call acquires and releases its own connection.
type Store struct {
	conns   database.Acquirer
	timeout time.Duration
}

// NewStore returns a Store. timeout bounds each operation, connection retries included.
func NewStore(conns database.Acquirer, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{conns: conns, timeout: timeout}
}

// Timeout returns the per-operation bound.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

func (s *Store) acquire(ctx context.Context) (*database.Handle, error) {
	h, err := s.conns.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return h, nil
}

// Ping checks that a connection can be acquired within the store timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	h, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	return h.Close()
}

// Record appends one row.
func (s *Store) Record(ctx context.Context, rec models.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	h, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	if rec.SearchedAt.IsZero() {
		rec.SearchedAt = time.Now().UTC()
	}
	if err := h.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// History returns up to limit rows, most recent first. cityFilter, when non-empty,
// is a case-insensitive substring match on the city name.
func (s *Store) History(ctx context.Context, limit int, cityFilter string) ([]models.AuditRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	h, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	q := h.DB.WithContext(ctx).Model(&models.AuditRecord{})
	if f := strings.TrimSpace(cityFilter); f != "" {
		q = q.Where(`LOWER(city_name) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(f))+"%")
	}
	var rows []models.AuditRecord
	if err := q.Order("searched_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: query history: %v", ErrStoreUnavailable, err)
	}
	return rows, nil
}

// WindowAggregate summarises the rows recorded since a point in time.
// Averages are nil when no row of that kind carries a response time.
type WindowAggregate struct {
	Total       int64
	Hits        int64
	Misses      int64
	AvgCachedMs *float64
	AvgOriginMs *float64
}

type windowRow struct {
	Total       int64
	Hits        *int64
	Misses      *int64
	AvgCachedMs *float64
	AvgOriginMs *float64
}

// Window aggregates rows with searched_at >= since.
func (s *Store) Window(ctx context.Context, since time.Time) (WindowAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	h, err := s.acquire(ctx)
	if err != nil {
		return WindowAggregate{}, err
	}
	defer h.Close()

	var row windowRow
	err = h.DB.WithContext(ctx).Model(&models.AuditRecord{}).
		Select(`COUNT(*) AS total,
			SUM(CASE WHEN cached THEN 1 ELSE 0 END) AS hits,
			SUM(CASE WHEN cached THEN 0 ELSE 1 END) AS misses,
			AVG(CASE WHEN cached THEN response_time_ms END) AS avg_cached_ms,
			AVG(CASE WHEN NOT cached THEN response_time_ms END) AS avg_origin_ms`).
		Where("searched_at >= ?", since.UTC()).
		Scan(&row).Error
	if err != nil {
		return WindowAggregate{}, fmt.Errorf("%w: aggregate window: %v", ErrStoreUnavailable, err)
	}

	agg := WindowAggregate{Total: row.Total, AvgCachedMs: row.AvgCachedMs, AvgOriginMs: row.AvgOriginMs}
	if row.Hits != nil {
		agg.Hits = *row.Hits
	}
	if row.Misses != nil {
		agg.Misses = *row.Misses
	}
	return agg, nil
}

// SearchSummary is the all-time lookup summary.
type SearchSummary struct {
	TotalSearches     int64
	UniqueCities      int64
	MostSearchedCity  string
	MostSearchedCount int64
}

// Summary returns all-time totals and the most searched city. Ties go to the
// alphabetically first city.
func (s *Store) Summary(ctx context.Context) (SearchSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	h, err := s.acquire(ctx)
	if err != nil {
		return SearchSummary{}, err
	}
	defer h.Close()
	db := h.DB.WithContext(ctx)

	var sum SearchSummary
	if err := db.Model(&models.AuditRecord{}).Count(&sum.TotalSearches).Error; err != nil {
		return SearchSummary{}, fmt.Errorf("%w: count searches: %v", ErrStoreUnavailable, err)
	}
	if err := db.Model(&models.AuditRecord{}).Distinct("city_name").Count(&sum.UniqueCities).Error; err != nil {
		return SearchSummary{}, fmt.Errorf("%w: count cities: %v", ErrStoreUnavailable, err)
	}

	var top []struct {
		CityName string
		Count    int64
	}
	err = db.Model(&models.AuditRecord{}).
		Select("city_name, COUNT(*) AS count").
		Group("city_name").
		Order("count DESC").Order("city_name ASC").
		Limit(1).
		Scan(&top).Error
	if err != nil {
		return SearchSummary{}, fmt.Errorf("%w: most searched: %v", ErrStoreUnavailable, err)
	}
	if len(top) > 0 {
		sum.MostSearchedCity = top[0].CityName
		sum.MostSearchedCount = top[0].Count
	}
	return sum, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
