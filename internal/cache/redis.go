package cache

import (
	"bufio"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanCount = 100

// RedisBackend implements Backend on a Redis server.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a RedisBackend. No connection is made until first use.
func NewRedisBackend(opts *redis.Options) *RedisBackend {
	return &RedisBackend{client: redis.NewClient(opts)}
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Get returns false, nil on a miss.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// TTL maps Redis -2 (missing) and -1 (no expiry) to negative durations.
func (b *RedisBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := b.client.TTL(ctx, key).Result()
	if err != nil {
		return -1, err
	}
	if d < 0 {
		return -1, nil
	}
	return d, nil
}

// Keys lists matching keys with SCAN so large keyspaces never block the server.
func (b *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := b.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (b *RedisBackend) Info(ctx context.Context) (Info, error) {
	size, err := b.client.DBSize(ctx).Result()
	if err != nil {
		return Info{}, err
	}
	raw, err := b.client.Info(ctx, "memory", "stats").Result()
	if err != nil {
		return Info{}, err
	}
	info := parseInfo(raw)
	info.TotalKeys = size
	return info, nil
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return b.client.Del(ctx, keys...).Result()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// parseInfo extracts memory and keyspace hit/miss counters from an INFO reply.
func parseInfo(raw string) Info {
	info := Info{MemoryUsed: "unknown"}
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch k {
		case "used_memory_human":
			info.MemoryUsed = v
		case "keyspace_hits":
			info.Hits, _ = strconv.ParseInt(v, 10, 64)
		case "keyspace_misses":
			info.Misses, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return info
}
