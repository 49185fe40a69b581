package persistence

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spounge-ai/cashier/pkg/cache"
)

const healthCheckTimeout = 5 * time.Second

// HealthMonitor polls a backend and logs when it becomes unhealthy or
// recovers.
type HealthMonitor struct {
	target    cache.HealthChecker
	logger    *slog.Logger
	unhealthy atomic.Bool
}

// NewHealthMonitor creates a monitor for target. The target is assumed
// healthy until a check fails.
func NewHealthMonitor(target cache.HealthChecker, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{target: target, logger: logger}
}

// Start checks the target every interval until ctx is done.
func (m *HealthMonitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one health check and records the result.
func (m *HealthMonitor) Check(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err := m.target.HealthCheck(checkCtx)
	if err != nil {
		if m.unhealthy.CompareAndSwap(false, true) {
			m.logger.Error("cache backend unhealthy", "error", err)
		}
		return err
	}

	if m.unhealthy.CompareAndSwap(true, false) {
		m.logger.Info("cache backend recovered")
	}
	return nil
}

// IsHealthy reports the result of the most recent check.
func (m *HealthMonitor) IsHealthy() bool {
	return !m.unhealthy.Load()
}
