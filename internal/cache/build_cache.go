package cache

import (
	"context"
	"errors"
	"time"

	"software-factory/internal/logging"
	"software-factory/internal/metrics"
	"software-factory/pkg/models"

	"go.uber.org/zap"
)

// DefaultBuildTTL is how long a terminal build stays cached
const DefaultBuildTTL = 10 * time.Minute

// BuildCache stores finished builds as JSON under build:{id}. Only terminal
// builds are accepted since they never change again.
type BuildCache struct {
	store *RedisCache
	ttl   time.Duration
	log   *zap.Logger
}

// NewBuildCache wraps store; a non-positive ttl uses DefaultBuildTTL
func NewBuildCache(store *RedisCache, ttl time.Duration) *BuildCache {
	if ttl <= 0 {
		ttl = DefaultBuildTTL
	}
	return &BuildCache{store: store, ttl: ttl, log: logging.L().Named("build_cache")}
}

// BuildCacheKey returns the cache key for a build record
func BuildCacheKey(id string) string {
	return "build:" + id
}

// GetBuild returns the cached build, if any
func (c *BuildCache) GetBuild(ctx context.Context, id string) (*models.Build, bool) {
	var b models.Build
	if err := c.store.GetJSON(ctx, BuildCacheKey(id), &b); err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.log.Warn("cached build unreadable", zap.String("build_id", id), zap.Error(err))
			_ = c.store.Delete(ctx, BuildCacheKey(id))
		}
		metrics.Get().RecordCacheMiss("build")
		return nil, false
	}
	metrics.Get().RecordCacheHit("build")
	return &b, true
}

// SetBuild caches build when it is terminal and ignores it otherwise
func (c *BuildCache) SetBuild(ctx context.Context, build *models.Build) {
	if build == nil || !build.Status.IsTerminal() {
		return
	}
	if err := c.store.SetJSON(ctx, BuildCacheKey(build.ID), build, c.ttl); err != nil {
		c.log.Warn("failed to cache build", zap.String("build_id", build.ID), zap.Error(err))
	}
}

// Invalidate drops every cached build
func (c *BuildCache) Invalidate(ctx context.Context) error {
	return c.store.DeletePattern(ctx, BuildCacheKey("*"))
}
