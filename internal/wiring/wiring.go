package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	infra_config "github.com/spounge-ai/cashier/internal/infra/config"
	"github.com/spounge-ai/cashier/internal/infra/persistence"
	"github.com/spounge-ai/cashier/pkg/cache"
	"github.com/spounge-ai/cashier/pkg/execution"
	"github.com/spounge-ai/cashier/pkg/patterns/circuitbreaker"
)

// Container owns the cache selected by configuration and everything it
// needs to be released.
type Container struct {
	backend string
	cache   cache.Cache
	monitor *persistence.HealthMonitor
	logger  *slog.Logger
	closers []func() error
	cancel  context.CancelFunc
}

// New builds the configured backend. Remote backends are dialed with
// retries; configuration errors fail on the first attempt.
func New(ctx context.Context, cfg *infra_config.Config, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", cache.ErrNotConfigured)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Container{backend: cfg.Backend, logger: logger.With("backend", cfg.Backend)}

	built, err := execution.WithRetry(ctx, cfg.Connect.Attempts, cfg.Connect.InitialBackoff, cfg.Connect.MaxBackoff,
		func(ctx context.Context) (cache.Cache, error) {
			built, err := c.provideBackend(ctx, cfg)
			if err != nil {
				if errors.Is(err, cache.ErrNotConfigured) {
					return nil, execution.Permanent(err)
				}
				c.logger.Warn("failed to connect to cache backend, retrying", "error", err)
			}
			return built, err
		})
	if err != nil {
		return nil, err
	}
	c.cache = built

	if isRemote(cfg.Backend) && cfg.CircuitBreaker.Enabled {
		c.cache = persistence.NewBreakerCache(c.cache, cfg.CircuitBreaker.MaxFailures, cfg.CircuitBreaker.ResetTimeout,
			persistence.WithBreakerStateChange(func(from, to circuitbreaker.State) {
				c.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
			}))
	}

	if hc, ok := c.cache.(cache.HealthChecker); ok && cfg.HealthInterval > 0 {
		monitorCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.monitor = persistence.NewHealthMonitor(hc, c.logger)
		go c.monitor.Start(monitorCtx, cfg.HealthInterval)
	}

	c.logger.Info("cache backend ready")
	return c, nil
}

// Cache returns the configured cache.
func (c *Container) Cache() cache.Cache {
	return c.cache
}

// Backend returns the configured backend name.
func (c *Container) Backend() string {
	return c.backend
}

// Healthy reports the last health check result. It is true when no monitor runs.
func (c *Container) Healthy() bool {
	return c.monitor == nil || c.monitor.IsHealthy()
}

// Close stops background work and releases backend resources.
func (c *Container) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) provideBackend(ctx context.Context, cfg *infra_config.Config) (cache.Cache, error) {
	opts := []persistence.Option{
		persistence.WithOperationTimeout(cfg.OperationTimeout),
		persistence.WithLogger(c.logger),
	}

	switch cfg.Backend {
	case infra_config.BackendMemory:
		mem := cache.NewMemory(
			cache.WithLogger(c.logger),
			cache.WithCleanupInterval(cfg.Memory.CleanupInterval),
			cache.WithReclaimEvery(cfg.Memory.ReclaimEvery),
		)
		c.closers = append(c.closers, func() error { mem.Stop(); return nil })
		return mem, nil

	case infra_config.BackendPostgres:
		pool, err := persistence.NewConnectionPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		pg, err := persistence.NewPostgresCache(ctx, pool, cfg.Postgres.Table, opts...)
		if err != nil {
			pool.Close()
			return nil, err
		}
		c.closers = append(c.closers, pg.Close)
		return pg, nil

	case infra_config.BackendSQLite:
		db, err := persistence.OpenSQLite(cfg.SQLite.DSN)
		if err != nil {
			return nil, err
		}
		sc, err := persistence.NewSQLCache(db, cfg.SQLite.Table, opts...)
		if err != nil {
			return nil, err
		}
		if err := sc.EnsureSchema(ctx); err != nil {
			_ = sc.Close()
			return nil, err
		}
		c.closers = append(c.closers, sc.Close)
		return sc, nil

	case infra_config.BackendS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3.Region))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load aws config: %w", cache.ErrNotConfigured, err)
		}
		doc, err := persistence.NewDocumentCache(persistence.NewS3Client(awsCfg, cfg.S3), cfg.S3.Bucket, cfg.S3.Prefix, opts...)
		if err != nil {
			return nil, err
		}
		if err := doc.HealthCheck(ctx); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, doc.Close)
		return doc, nil

	case infra_config.BackendNATS:
		kv, err := persistence.DialKVCache(ctx, cfg.NATS, opts...)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, kv.Close)
		return kv, nil

	case infra_config.BackendBolt:
		bc, err := persistence.OpenBoltCache(cfg.Bolt.Path, cfg.Bolt.Bucket, opts...)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, bc.Close)
		return bc, nil

	default:
		return nil, fmt.Errorf("%w: invalid backend: %s", cache.ErrNotConfigured, cfg.Backend)
	}
}

func isRemote(backend string) bool {
	switch backend {
	case infra_config.BackendPostgres, infra_config.BackendS3, infra_config.BackendNATS:
		return true
	default:
		return false
	}
}
