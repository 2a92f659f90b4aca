// Package lock provides the single-runner locks used by background jobs
// such as settlement formation and outbox publishing.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/payswitch/internal/clock"
	redis "github.com/redis/go-redis/v9"
)

// Locker grants a key to one holder at a time until the TTL lapses.
type Locker interface {
	// TryLock returns a token when the key was free.
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	// Release frees the key only if token still holds it.
	Release(ctx context.Context, key, token string) error
}

var (
	errEmptyKey = errors.New("lock key is empty")
	errBadTTL   = errors.New("lock ttl must be positive")
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker shares locks across replicas.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, script: redis.NewScript(releaseScript), prefix: "lock:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errEmptyKey
	}
	if ttl <= 0 {
		return "", false, errBadTTL
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}

type held struct {
	token   string
	expires time.Time
}

// LocalLocker serves single-replica deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]held
	clock clock.Clock
}

func NewLocalLocker(clk clock.Clock) *LocalLocker {
	return &LocalLocker{held: map[string]held{}, clock: clk}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errEmptyKey
	}
	if ttl <= 0 {
		return "", false, errBadTTL
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = held{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[key]; ok && h.token == token {
		delete(l.held, key)
	}
	return nil
}
