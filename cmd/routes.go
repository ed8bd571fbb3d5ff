package main

import (
	"net/http"
	"time"

	"software-factory/internal/agents"
	"software-factory/internal/cache"
	"software-factory/internal/config"
	"software-factory/internal/db"
	"software-factory/internal/metrics"
	"software-factory/internal/middleware"

	"github.com/gin-gonic/gin"
)

func setupRouter(
	cfg *config.Config,
	store *db.Database,
	kv *cache.RedisCache,
	engine *agents.Engine,
	hub *agents.Hub,
	limiter *middleware.IPRateLimiter,
) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	router.Use(middleware.Security())
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins, cfg.IsProduction()))
	router.Use(metrics.PrometheusMiddleware())

	router.GET("/metrics", metrics.PrometheusHandler())
	router.GET("/health", healthHandler(store, kv))

	handler := agents.NewBuildHandler(engine, hub)

	guarded := []gin.HandlerFunc{middleware.RateLimit(limiter)}
	if len(cfg.APIKeys) > 0 {
		guarded = append(guarded, middleware.APIKeyAuth(cfg.APIKeys))
	}

	api := router.Group("/api/v1", guarded...)
	handler.RegisterRoutes(api)
	handler.RegisterWebSocket(router.Group("", guarded...))

	router.NoRoute(func(c *gin.Context) {
		middleware.Abort(c, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	return router
}

func healthHandler(store *db.Database, kv *cache.RedisCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, code := "healthy", http.StatusOK
		dbStatus := "ok"
		if err := store.Health(); err != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
			dbStatus = err.Error()
		}

		c.JSON(code, gin.H{
			"status":   status,
			"version":  version,
			"database": dbStatus,
			"cache":    kv.Stats(),
			"time":     time.Now().UTC(),
		})
	}
}
