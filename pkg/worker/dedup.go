package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper answers "has this key been processed inside the dedup window?".
// MarkSeen is atomic: the first caller for a key gets false, every later
// caller inside the window gets true. Unmark releases a claim so a
// redelivery after a transient failure is processed instead of suppressed.
type Deduper interface {
	MarkSeen(ctx context.Context, key string) (seen bool, err error)
	Unmark(ctx context.Context, key string) error
	Close() error
}

// RedisDeduper implements Deduper on Redis SET NX with a TTL, giving all
// worker replicas a shared dedup window.
type RedisDeduper struct {
	client *redis.Client
	window time.Duration
}

// NewRedisDeduper connects to Redis and verifies the connection.
func NewRedisDeduper(ctx context.Context, addr, password string, db int, window time.Duration) (*RedisDeduper, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisDeduper{client: client, window: window}, nil
}

func (d *RedisDeduper) MarkSeen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "dedup:"+key, 1, d.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return !ok, nil
}

func (d *RedisDeduper) Unmark(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, "dedup:"+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (d *RedisDeduper) Close() error {
	return d.client.Close()
}

// MemoryDeduper implements Deduper in process memory. Used when no Redis is
// configured; correct for a single replica only.
type MemoryDeduper struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewMemoryDeduper creates an in-process deduper.
func NewMemoryDeduper(window time.Duration) *MemoryDeduper {
	return &MemoryDeduper{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

func (d *MemoryDeduper) MarkSeen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return true, nil
	}
	d.seen[key] = now.Add(d.window)

	// Opportunistic sweep of expired keys to bound the map.
	if len(d.seen)%1024 == 0 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}
	return false, nil
}

func (d *MemoryDeduper) Unmark(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

func (d *MemoryDeduper) Close() error {
	return nil
}
