package directory

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/payswitch/internal/verifier"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Source is the authoritative VPA directory.
type Source interface {
	ResolveVPA(ctx context.Context, vpa string) (string, error)
}

// Resolver maps VPAs to bank codes, reading through a Redis cache when one
// is configured. Cache failures fall back to the source.
type Resolver struct {
	source Source
	cache  *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewResolver(source Source, cache *redis.Client, ttl time.Duration, log *zap.Logger) *Resolver {
	return &Resolver{source: source, cache: cache, ttl: ttl, log: log.Named("directory")}
}

func cacheKey(vpa string) string { return "vpa:" + vpa }

func (r *Resolver) Resolve(ctx context.Context, vpa string) (string, error) {
	vpa = verifier.NormalizeVPA(vpa)
	if r.cache != nil {
		code, err := r.cache.Get(ctx, cacheKey(vpa)).Result()
		switch {
		case err == nil:
			return code, nil
		case !errors.Is(err, redis.Nil):
			r.log.Warn("vpa cache read failed", zap.Error(err))
		}
	}

	code, err := r.source.ResolveVPA(ctx, vpa)
	if err != nil {
		return "", err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey(vpa), code, r.ttl).Err(); err != nil {
			r.log.Warn("vpa cache write failed", zap.Error(err))
		}
	}
	return code, nil
}

// Invalidate drops a cached mapping after the directory changes.
func (r *Resolver) Invalidate(ctx context.Context, vpa string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Del(ctx, cacheKey(verifier.NormalizeVPA(vpa))).Err()
}
