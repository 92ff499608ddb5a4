package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// RedisClient is the subset of redis.Cmdable the cache needs.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Cached is a read-through cache in front of another Catalog for single
// service and resource lookups. Listing always goes to the backing catalog.
// Redis failures degrade to the backing catalog.
type Cached struct {
	next   Catalog
	rdb    RedisClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewCached(next Catalog, rdb RedisClient, ttl time.Duration, prefix string, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if prefix == "" {
		prefix = "catalog"
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl, prefix: prefix, logger: logger}
}

func (c *Cached) GetService(ctx context.Context, id string) (model.Service, error) {
	return readThrough(ctx, c, c.prefix+":service:"+id, func() (model.Service, error) {
		return c.next.GetService(ctx, id)
	})
}

func (c *Cached) GetResource(ctx context.Context, id string) (model.Resource, error) {
	return readThrough(ctx, c, c.prefix+":resource:"+id, func() (model.Resource, error) {
		return c.next.GetResource(ctx, id)
	})
}

func (c *Cached) ListActiveServices(ctx context.Context, f ServiceFilter) ([]model.Service, error) {
	return c.next.ListActiveServices(ctx, f)
}

func readThrough[T any](ctx context.Context, c *Cached, key string, load func() (T, error)) (T, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		c.logger.Warn("catalog cache entry unreadable", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("catalog cache get failed", "key", key, "err", err)
	}

	v, err := load()
	if err != nil {
		return v, err
	}
	if raw, err := json.Marshal(v); err == nil {
		if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("catalog cache set failed", "key", key, "err", err)
		}
	}
	return v, nil
}
