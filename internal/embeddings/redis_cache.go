package embeddings

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"lerian-timeline-engine/internal/config"
	"lerian-timeline-engine/internal/logging"
)

const redisKeyPrefix = "timeline:embed:"

// RedisCache is a shared second cache tier for embeddings, keyed by the
// same text hash as the in-process cache. Failures degrade to misses.
type RedisCache struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
	logger  logging.Logger

	// Counters are atomic: Get runs on concurrent request paths while
	// Stats reads from the health endpoint.
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	ttl := time.Duration(cfg.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisCache{
		client:  client,
		ttl:     ttl,
		timeout: 2 * time.Second,
		logger:  logging.WithComponent("embed-cache-redis"),
	}, nil
}

// Get retrieves a vector from Redis
func (c *RedisCache) Get(text string) ([]float32, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	data, err := c.client.Get(ctx, redisKeyPrefix+hashKey(text)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis cache get failed", "error", err.Error())
		}
		c.misses.Add(1)
		return nil, false
	}

	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		c.logger.Warn("redis cache entry corrupt", "error", err.Error())
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return vector, true
}

// Set stores a vector in Redis with the configured TTL
func (c *RedisCache) Set(text string, vector []float32) {
	if len(vector) == 0 {
		return
	}

	data, err := json.Marshal(vector)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.client.Set(ctx, redisKeyPrefix+hashKey(text), data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis cache set failed", "error", err.Error())
	}
}

// Stats returns cache statistics. Size is not tracked for the shared tier.
func (c *RedisCache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}
	return CacheStats{
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
		TTL:     c.ttl,
	}
}

// Close releases the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
