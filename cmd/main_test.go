package main

import (
	"context"
	"testing"
	"time"

	"software-factory/internal/cache"
	"software-factory/internal/config"
	"software-factory/internal/db"
	"software-factory/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

func TestRunMigrationsSkipsSQLite(t *testing.T) {
	store, err := db.NewDatabase(&db.Config{
		Driver:      db.DriverSQLite,
		SQLitePath:  ":memory:",
		AutoMigrate: true,
		LogLevel:    logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assert.False(t, runMigrations(&config.Config{Database: &db.Config{Driver: db.DriverSQLite}}, store, zap.NewNop()))
}

func TestDropCachedBuilds(t *testing.T) {
	kv := cache.NewRedisCache(nil)
	t.Cleanup(func() { _ = kv.Close() })
	bc := cache.NewBuildCache(kv, time.Minute)
	ctx := context.Background()

	bc.SetBuild(ctx, &models.Build{ID: "b-1", Status: models.BuildDone})
	bc.SetBuild(ctx, &models.Build{ID: "b-2", Status: models.BuildFailed})
	require.NoError(t, kv.Set(ctx, "other:key", []byte("keep"), time.Minute))

	dropCachedBuilds(ctx, bc, zap.NewNop())

	_, ok := bc.GetBuild(ctx, "b-1")
	assert.False(t, ok)
	_, ok = bc.GetBuild(ctx, "b-2")
	assert.False(t, ok)
	v, err := kv.Get(ctx, "other:key")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), v)
}
