package cache

import (
	"context"
	"path"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryBackend implements Backend in-process for local development without Redis.
// Entries are lost on restart and are not shared between replicas.
type MemoryBackend struct {
	store  *gocache.Cache
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryBackend creates a MemoryBackend whose janitor sweeps expired entries every ttl.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryBackend{store: gocache.New(ttl, ttl)}
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := b.store.Get(key)
	if !ok {
		b.misses.Add(1)
		return nil, false, nil
	}
	b.hits.Add(1)
	raw, _ := v.([]byte)
	return raw, true, nil
}

func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	b.store.Set(key, stored, ttl)
	return nil
}

func (b *MemoryBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	_, exp, ok := b.store.GetWithExpiration(key)
	if !ok || exp.IsZero() {
		return -1, nil
	}
	remaining := time.Until(exp)
	if remaining < 0 {
		return -1, nil
	}
	return remaining, nil
}

// Keys matches with path.Match, which shares Redis' *, ? and [...] glob syntax.
func (b *MemoryBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	for k := range b.store.Items() {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (b *MemoryBackend) Info(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	return Info{
		TotalKeys:  int64(b.store.ItemCount()),
		MemoryUsed: "n/a",
		Hits:       b.hits.Load(),
		Misses:     b.misses.Load(),
	}, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		if _, ok := b.store.Get(k); ok {
			b.store.Delete(k)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Close() error {
	b.store.Flush()
	return nil
}
