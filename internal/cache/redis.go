// Package cache provides a Redis-backed key/value cache for build records.
// It falls back to an in-process map when Redis is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired
var ErrCacheMiss = errors.New("cache miss")

// RedisCache stores values in Redis when a client is configured and in
// memory otherwise. A Redis error on write falls through to memory.
type RedisCache struct {
	memCache map[string]*cacheEntry
	memMu    sync.RWMutex

	// nil when running memory-only
	redisClient RedisClient

	defaultTTL time.Duration
	maxMemSize int

	hits    int64
	misses  int64
	statsMu sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// RedisClient is the subset of Redis commands the cache issues
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

type cacheEntry struct {
	Value     []byte
	ExpiresAt time.Time
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	// redis://[:password@]host:port[/db]; empty means memory-only
	RedisURL string

	DefaultTTL     time.Duration
	MaxMemoryItems int

	// How often expired in-memory entries are swept
	CleanupInterval time.Duration
}

// DefaultCacheConfig returns the default cache configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		DefaultTTL:      10 * time.Minute,
		MaxMemoryItems:  1000,
		CleanupInterval: time.Minute,
	}
}

func (c *CacheConfig) withDefaults() *CacheConfig {
	def := DefaultCacheConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.DefaultTTL <= 0 {
		out.DefaultTTL = def.DefaultTTL
	}
	if out.MaxMemoryItems <= 0 {
		out.MaxMemoryItems = def.MaxMemoryItems
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = def.CleanupInterval
	}
	return &out
}

// NewRedisCache creates a memory-only cache
func NewRedisCache(config *CacheConfig) *RedisCache {
	return NewRedisCacheWithClient(nil, config)
}

// NewRedisCacheWithClient creates a cache in front of an existing Redis client
func NewRedisCacheWithClient(client RedisClient, config *CacheConfig) *RedisCache {
	config = config.withDefaults()

	c := &RedisCache{
		memCache:    make(map[string]*cacheEntry),
		redisClient: client,
		defaultTTL:  config.DefaultTTL,
		maxMemSize:  config.MaxMemoryItems,
		stop:        make(chan struct{}),
	}

	go c.cleanupLoop(config.CleanupInterval)

	return c
}

// Backend reports where values are stored
func (c *RedisCache) Backend() string {
	if c.redisClient != nil {
		return "redis"
	}
	return "memory"
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.redisClient != nil {
		val, err := c.redisClient.Get(ctx, key)
		if err == nil {
			c.recordHit()
			return []byte(val), nil
		}
	}

	c.memMu.RLock()
	entry, exists := c.memCache[key]
	c.memMu.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, ErrCacheMiss
	}

	if time.Now().After(entry.ExpiresAt) {
		c.memMu.Lock()
		delete(c.memCache, key)
		c.memMu.Unlock()
		c.recordMiss()
		return nil, ErrCacheMiss
	}

	c.recordHit()
	return entry.Value, nil
}

// Set stores a value with ttl; zero means the default TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	if c.redisClient != nil {
		if err := c.redisClient.Set(ctx, key, string(value), ttl); err == nil {
			return nil
		}
	}

	c.memMu.Lock()
	defer c.memMu.Unlock()

	if _, replacing := c.memCache[key]; !replacing && len(c.memCache) >= c.maxMemSize {
		c.evict()
	}

	c.memCache[key] = &cacheEntry{
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	}

	return nil
}

// Delete removes a key from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	var err error
	if c.redisClient != nil {
		err = c.redisClient.Del(ctx, key)
	}

	c.memMu.Lock()
	delete(c.memCache, key)
	c.memMu.Unlock()

	return err
}

// DeletePattern removes all keys matching a trailing-* pattern
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) error {
	if c.redisClient != nil {
		keys, err := c.redisClient.Keys(ctx, pattern)
		if err == nil && len(keys) > 0 {
			_ = c.redisClient.Del(ctx, keys...)
		}
	}

	c.memMu.Lock()
	defer c.memMu.Unlock()

	for key := range c.memCache {
		if matchPattern(pattern, key) {
			delete(c.memCache, key)
		}
	}

	return nil
}

// GetJSON retrieves and unmarshals a JSON value
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// SetJSON marshals and stores a JSON value
func (c *RedisCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// Stats returns cache statistics
func (c *RedisCache) Stats() CacheStats {
	c.statsMu.RLock()
	hits, misses := c.hits, c.misses
	c.statsMu.RUnlock()

	c.memMu.RLock()
	memSize := len(c.memCache)
	c.memMu.RUnlock()

	hitRatio := float64(0)
	if total := hits + misses; total > 0 {
		hitRatio = float64(hits) / float64(total)
	}

	return CacheStats{
		Backend:    c.Backend(),
		Hits:       hits,
		Misses:     misses,
		HitRatio:   hitRatio,
		MemorySize: memSize,
	}
}

// CacheStats holds cache statistics
type CacheStats struct {
	Backend    string  `json:"backend"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRatio   float64 `json:"hit_ratio"`
	MemorySize int     `json:"memory_size"`
}

// Close stops the sweeper and closes the Redis connection
func (c *RedisCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.redisClient != nil {
		return c.redisClient.Close()
	}
	return nil
}

func (c *RedisCache) recordHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *RedisCache) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}

// evict drops expired entries first, then arbitrary ones, until a tenth of
// capacity is free. Caller holds memMu.
func (c *RedisCache) evict() {
	toEvict := c.maxMemSize / 10
	if toEvict < 1 {
		toEvict = 1
	}

	now := time.Now()
	evicted := 0

	for key, entry := range c.memCache {
		if evicted >= toEvict {
			break
		}
		if now.After(entry.ExpiresAt) {
			delete(c.memCache, key)
			evicted++
		}
	}

	for key := range c.memCache {
		if evicted >= toEvict {
			break
		}
		delete(c.memCache, key)
		evicted++
	}
}

func (c *RedisCache) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *RedisCache) cleanup() {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	now := time.Now()
	for key, entry := range c.memCache {
		if now.After(entry.ExpiresAt) {
			delete(c.memCache, key)
		}
	}
}

// matchPattern supports exact keys and a single trailing *
func matchPattern(pattern, key string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
