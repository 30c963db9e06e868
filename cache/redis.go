package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis client methods used by
// RedisTenantCache. Keeping it as an interface enables mocking in tests.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisConfig holds configuration for the shared tenant cache.
type RedisConfig struct {
	Address  string        `yaml:"address" json:"address"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	Prefix   string        `yaml:"prefix" json:"prefix"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultPrefix namespaces customer index keys.
const DefaultPrefix = "billing:customer:"

// RedisTenantCache caches customer id to tenant id mappings in Redis.
type RedisTenantCache struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisTenantCache dials Redis and verifies the connection with PING.
func NewRedisTenantCache(ctx context.Context, cfg RedisConfig) (*RedisTenantCache, error) {
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis tenant cache: ping failed: %w", err)
	}
	return NewRedisTenantCacheWithClient(client, cfg), nil
}

// NewRedisTenantCacheWithClient creates a RedisTenantCache backed by a
// pre-built client.
func NewRedisTenantCacheWithClient(client RedisClient, cfg RedisConfig) *RedisTenantCache {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &RedisTenantCache{client: client, prefix: cfg.Prefix, ttl: cfg.TTL}
}

// Get returns the cached tenant id. A missing key is reported as ok=false
// with a nil error.
func (c *RedisTenantCache) Get(ctx context.Context, customerID string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+customerID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set stores a mapping with the configured TTL.
func (c *RedisTenantCache) Set(ctx context.Context, customerID, tenantID string) error {
	if err := c.client.Set(ctx, c.prefix+customerID, tenantID, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a mapping, used when a tenant is re-provisioned.
func (c *RedisTenantCache) Delete(ctx context.Context, customerID string) error {
	if err := c.client.Del(ctx, c.prefix+customerID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisTenantCache) Close() error {
	return c.client.Close()
}
