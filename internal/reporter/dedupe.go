package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL outlives the billing platform's own idempotency window
const DefaultDedupeTTL = 30 * 24 * time.Hour

// Deduper remembers which idempotency keys were already delivered
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key, recordID string) error
}

// RedisDeduper keeps delivery markers as expiring Redis keys
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper; ttl <= 0 uses DefaultDedupeTTL
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func markerKey(key string) string {
	return "reported:" + key
}

// Seen reports whether key was marked delivered
func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	_, err := d.client.Get(ctx, markerKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read report marker: %w", err)
	}
	return true, nil
}

// Mark records key as delivered
func (d *RedisDeduper) Mark(ctx context.Context, key, recordID string) error {
	if err := d.client.Set(ctx, markerKey(key), recordID, d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write report marker: %w", err)
	}
	return nil
}

// MemoryDeduper keeps delivery markers in process memory
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]string
}

// NewMemoryDeduper creates an empty deduper
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]string)}
}

// Seen reports whether key was marked delivered
func (d *MemoryDeduper) Seen(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok, nil
}

// Mark records key as delivered
func (d *MemoryDeduper) Mark(ctx context.Context, key, recordID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = recordID
	return nil
}
