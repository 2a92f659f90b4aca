package verifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/punchamoorthee/payswitch/internal/clock"
	redis "github.com/redis/go-redis/v9"
)

// DedupeCache remembers which transaction a (payer, dedupeKey) pair created.
// It is a fast path only; the store's unique constraint is authoritative.
type DedupeCache interface {
	// Remember records id for the key unless one is already present and
	// returns the ID that owns the key.
	Remember(ctx context.Context, payerVPA, dedupeKey, id string) (string, error)
	Lookup(ctx context.Context, payerVPA, dedupeKey string) (string, bool, error)
}

func cacheKey(payerVPA, dedupeKey string) string {
	return "dedupe:" + payerVPA + ":" + dedupeKey
}

// RedisDedupeCache shares dedupe entries across replicas.
type RedisDedupeCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDedupeCache(client *redis.Client, ttl time.Duration) *RedisDedupeCache {
	return &RedisDedupeCache{client: client, ttl: ttl}
}

func (c *RedisDedupeCache) Remember(ctx context.Context, payerVPA, dedupeKey, id string) (string, error) {
	key := cacheKey(payerVPA, dedupeKey)
	ok, err := c.client.SetNX(ctx, key, id, c.ttl).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	owner, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return id, nil
	}
	return owner, err
}

func (c *RedisDedupeCache) Lookup(ctx context.Context, payerVPA, dedupeKey string) (string, bool, error) {
	id, err := c.client.Get(ctx, cacheKey(payerVPA, dedupeKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

type memoryEntry struct {
	id      string
	expires time.Time
}

// MemoryDedupeCache is a process-local cache for single-replica deployments and tests.
type MemoryDedupeCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	clock   clock.Clock
}

func NewMemoryDedupeCache(ttl time.Duration, clk clock.Clock) *MemoryDedupeCache {
	return &MemoryDedupeCache{entries: map[string]memoryEntry{}, ttl: ttl, clock: clk}
}

func (c *MemoryDedupeCache) Remember(_ context.Context, payerVPA, dedupeKey, id string) (string, error) {
	key := cacheKey(payerVPA, dedupeKey)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		return e.id, nil
	}
	c.entries[key] = memoryEntry{id: id, expires: now.Add(c.ttl)}
	return id, nil
}

func (c *MemoryDedupeCache) Lookup(_ context.Context, payerVPA, dedupeKey string) (string, bool, error) {
	key := cacheKey(payerVPA, dedupeKey)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !now.Before(e.expires) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.id, true, nil
}
