package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"software-factory/internal/agentrpc"
	"software-factory/internal/agents"
	"software-factory/internal/archive"
	"software-factory/internal/cache"
	"software-factory/internal/config"
	"software-factory/internal/database"
	"software-factory/internal/db"
	"software-factory/internal/logging"
	"software-factory/internal/metrics"
	"software-factory/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	config.LoadDotEnv()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	log.Info("starting build engine", zap.String("version", version))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Bind the port first so health checks succeed while the database and
	// cache are still coming up.
	var ready atomic.Bool
	var activeRouter atomic.Value // *gin.Engine

	bootstrap := gin.New()
	bootstrap.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "starting", "ready": ready.Load()})
	})
	bootstrap.NoRoute(func(c *gin.Context) {
		middleware.Abort(c, http.StatusServiceUnavailable, "STARTING", "server starting", nil)
	})
	activeRouter.Store(bootstrap)

	serverErrors := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			activeRouter.Load().(*gin.Engine).ServeHTTP(w, r)
		}),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()
	log.Info("listening", zap.String("addr", httpServer.Addr))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, err := db.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	migrated := cfg.RunMigrations && runMigrations(cfg, store, log)
	if cfg.SeedDemo && !cfg.IsProduction() {
		if err := store.SeedDemo(ctx); err != nil {
			log.Warn("demo seed failed", zap.Error(err))
		}
	}

	kv := newCacheStore(cfg, log)
	defer kv.Close()

	hub := agents.NewHub(cfg.CORSAllowedOrigins, cfg.IsProduction())

	client := agentrpc.NewClient(agentrpc.Config{
		BaseURL: cfg.AgentServiceURL,
		Token:   cfg.AgentServiceToken,
		Timeout: cfg.AgentServiceTimeout,
		RPS:     cfg.AgentServiceRPS,
		Burst:   cfg.AgentServiceBurst,
	})

	buildCache := cache.NewBuildCache(kv, cfg.BuildCacheTTL)
	if migrated {
		dropCachedBuilds(ctx, buildCache, log)
	}

	opts := []agents.Option{
		agents.WithEvents(hub),
		agents.WithCache(buildCache),
		agents.WithLogger(log.Named("engine")),
	}
	if archiver := newArchiver(ctx, cfg, log); archiver != nil {
		opts = append(opts, agents.WithArchiver(archiver))
	}

	engine := agents.NewEngine(
		cfg.Engine(),
		client,
		db.NewBuildRepository(store),
		db.NewProjectRepository(store),
		opts...,
	)

	collector := metrics.NewRuntimeCollector(store.DB, 15*time.Second)
	collector.Start(ctx)
	defer collector.Stop()
	metrics.Get().SetBuildInfo(version, cfg.Environment)

	limiter := middleware.NewPerMinuteLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst)
	defer limiter.Stop()

	activeRouter.Store(setupRouter(cfg, store, kv, engine, hub, limiter))
	ready.Store(true)
	log.Info("build engine ready",
		zap.String("environment", cfg.Environment),
		zap.String("database", store.Driver()),
		zap.String("cache", kv.Backend()),
		zap.Bool("agent_service_configured", cfg.AgentServiceURL != ""),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal("http server failed", zap.Error(err))
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop taking requests first so no build starts while the engine drains.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	// Running builds are finalized from what they have so far.
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown incomplete", zap.Error(err))
	}
	hub.Close()
	stop()

	log.Info("shutdown complete")
}

// runMigrations applies the versioned migrations and reports whether it ran
func runMigrations(cfg *config.Config, store *db.Database, log *zap.Logger) bool {
	if store.Driver() == db.DriverSQLite {
		log.Warn("RUN_MIGRATIONS ignored for sqlite; schema comes from DB_AUTO_MIGRATE")
		return false
	}
	url := cfg.DatabaseURL
	if url == "" {
		d := cfg.Database
		url = database.BuildPostgresURL(d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
	}
	if err := database.RunMigrations(url, log.Named("migrate")); err != nil {
		log.Fatal("schema migration failed", zap.Error(err))
	}
	return true
}

// dropCachedBuilds clears build records cached under an older schema. A
// shared Redis keeps them across deploys.
func dropCachedBuilds(ctx context.Context, bc *cache.BuildCache, log *zap.Logger) {
	if err := bc.Invalidate(ctx); err != nil {
		log.Warn("failed to drop cached builds", zap.Error(err))
		return
	}
	log.Info("cached builds dropped after schema migration")
}

// newCacheStore connects to Redis when configured and falls back to memory
func newCacheStore(cfg *config.Config, log *zap.Logger) *cache.RedisCache {
	cacheCfg := &cache.CacheConfig{RedisURL: cfg.RedisURL, DefaultTTL: cfg.BuildCacheTTL}
	if cfg.RedisURL == "" {
		return cache.NewRedisCache(cacheCfg)
	}
	kv, err := cache.NewRedisCacheFromURL(cfg.RedisURL, cacheCfg)
	if err != nil {
		log.Warn("redis unavailable, using in-memory build cache", zap.Error(err))
		return cache.NewRedisCache(cacheCfg)
	}
	return kv
}

// newArchiver prefers S3 and falls back to a local directory. Nil disables archiving.
func newArchiver(ctx context.Context, cfg *config.Config, log *zap.Logger) *archive.Archiver {
	switch {
	case cfg.S3.Enabled():
		s3, err := archive.NewS3Storage(ctx, cfg.S3)
		if err != nil {
			log.Warn("S3 archive disabled", zap.Error(err))
			return nil
		}
		return archive.NewArchiver(s3, cfg.S3.Prefix)
	case cfg.ArchiveDir != "":
		local, err := archive.NewLocalStorage(cfg.ArchiveDir)
		if err != nil {
			log.Warn("local archive disabled", zap.Error(err))
			return nil
		}
		return archive.NewArchiver(local, "")
	}
	return nil
}
