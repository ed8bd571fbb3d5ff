package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter implements RedisClient on top of go-redis
type GoRedisAdapter struct {
	client *redis.Client
}

// NewGoRedisClient dials redisURL and pings it.
// URL format: redis://[:password@]host:port[/db], or rediss:// for TLS.
func NewGoRedisClient(redisURL string) (*GoRedisAdapter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &GoRedisAdapter{client: client}, nil
}

// Get returns ErrCacheMiss for an absent key
func (a *GoRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	val, err := a.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return val, err
}

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return a.client.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.client.Del(ctx, keys...).Err()
}

func (a *GoRedisAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	return a.client.Keys(ctx, pattern).Result()
}

func (a *GoRedisAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func (a *GoRedisAdapter) Close() error {
	return a.client.Close()
}

// NewRedisCacheFromURL connects to Redis and wraps it in a RedisCache.
// The caller decides whether a connection error means memory-only.
func NewRedisCacheFromURL(redisURL string, config *CacheConfig) (*RedisCache, error) {
	adapter, err := NewGoRedisClient(redisURL)
	if err != nil {
		return nil, err
	}

	return NewRedisCacheWithClient(adapter, config), nil
}
