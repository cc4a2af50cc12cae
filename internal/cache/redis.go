package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisCache backs the response cache with Redis. Expiry is native TTL, so
// SweepExpired and EvictOldestBeyondCap are no-ops here: the server's
// eviction policy owns the size cap.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opt)}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	payload, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Msg("cache: redis get failed")
		}
		return "", false
	}
	return payload, true
}

func (c *RedisCache) Set(ctx context.Context, key, payload string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		// Cache writes never block the critical path.
		log.Warn().Err(err).Msg("cache: redis set failed")
	}
}

func (c *RedisCache) SweepExpired(context.Context) {}

func (c *RedisCache) EvictOldestBeyondCap(context.Context, int) {}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
