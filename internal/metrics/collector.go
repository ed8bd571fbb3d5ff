package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"software-factory/internal/logging"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RuntimeCollector periodically samples goroutine and connection pool gauges
type RuntimeCollector struct {
	db       *gorm.DB
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRuntimeCollector creates a collector; db may be nil
func NewRuntimeCollector(db *gorm.DB, interval time.Duration) *RuntimeCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &RuntimeCollector{
		db:       db,
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic collection until ctx is done or Stop is called
func (rc *RuntimeCollector) Start(ctx context.Context) {
	go func() {
		rc.collect()

		ticker := time.NewTicker(rc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rc.collect()
			case <-rc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the collector
func (rc *RuntimeCollector) Stop() {
	rc.stopOnce.Do(func() { close(rc.stopCh) })
}

func (rc *RuntimeCollector) collect() {
	rc.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))

	if rc.db == nil {
		return
	}
	sqlDB, err := rc.db.DB()
	if err != nil {
		logging.L().Warn("failed to read database stats", zap.Error(err))
		return
	}
	stats := sqlDB.Stats()
	rc.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	rc.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}
