package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	consts "github.com/spounge-ai/cashier/internal/constants"
	"github.com/spounge-ai/cashier/pkg/cache"
	"github.com/spounge-ai/cashier/pkg/execution"
	"github.com/spounge-ai/cashier/pkg/validator"
)

var (
	_ cache.Cache         = (*SQLCache)(nil)
	_ cache.Reclaimer     = (*SQLCache)(nil)
	_ cache.HealthChecker = (*SQLCache)(nil)
)

// cacheRow mirrors the cache table used by every relational backend.
type cacheRow struct {
	Key         string `gorm:"column:key;primaryKey"`
	Value       string `gorm:"column:value;not null"`
	ExpiresAtMs *int64 `gorm:"column:expires_at_ms;index"`
}

// SQLCache stores entries in a relational table through gorm.
type SQLCache struct {
	db     *gorm.DB
	table  string
	opts   options
	logger *slog.Logger
	closed atomic.Bool
}

// OpenSQLite opens a SQLite database for SQLCache. SQLite serializes writers,
// so the pool is capped at one connection.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, notConfigured("sqlite: dsn is required")
	}

	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, backendError("open sqlite db", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, backendError("open sqlite db", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// NewSQLCache binds to table in db.
func NewSQLCache(db *gorm.DB, table string, opts ...Option) (*SQLCache, error) {
	if db == nil {
		return nil, notConfigured("sql: database handle is required")
	}
	if table == "" {
		table = consts.DefaultTable
	}
	if !validator.IsSQLIdent(table) {
		return nil, notConfigured("sql: invalid table name %q", table)
	}

	o := newOptions(opts)
	return &SQLCache{
		db:     db,
		table:  table,
		opts:   o,
		logger: o.logger.With("backend", "sql", "table", table),
	}, nil
}

// EnsureSchema creates the cache table if it does not exist. It is meant for
// embedded databases the process owns, such as a local SQLite file.
func (c *SQLCache) EnsureSchema(ctx context.Context) error {
	if err := c.db.WithContext(ctx).Table(c.table).AutoMigrate(&cacheRow{}); err != nil {
		return backendError("migrate cache table", err)
	}
	return nil
}

func (c *SQLCache) Set(ctx context.Context, key, value string) error {
	return c.upsert(ctx, cacheRow{Key: key, Value: value})
}

func (c *SQLCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := cache.Deadline(c.opts.clock(), ttl).UnixMilli()
	return c.upsert(ctx, cacheRow{Key: key, Value: value, ExpiresAtMs: &expiresAt})
}

func (c *SQLCache) upsert(ctx context.Context, row cacheRow) error {
	if err := c.ready(); err != nil {
		return err
	}

	return execution.RunWithTimeout(ctx, c.opts.timeout, func(ctx context.Context) error {
		err := c.session(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at_ms"}),
		}).Create(&row).Error
		if err != nil {
			return backendError("upsert cache key", err)
		}
		return nil
	})
}

func (c *SQLCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := c.ready(); err != nil {
		return "", false, err
	}

	now := c.opts.clock().UnixMilli()
	var row cacheRow
	err := execution.RunWithTimeout(ctx, c.opts.timeout, func(ctx context.Context) error {
		return c.session(ctx).
			Where("key = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?)", key, now).
			Take(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backendError("query cache by key", err)
	}

	return row.Value, true, nil
}

func (c *SQLCache) Delete(ctx context.Context, key string) error {
	if err := c.ready(); err != nil {
		return err
	}

	return execution.RunWithTimeout(ctx, c.opts.timeout, func(ctx context.Context) error {
		if err := c.session(ctx).Where("key = ?", key).Delete(&cacheRow{}).Error; err != nil {
			return backendError("delete cache key", err)
		}
		return nil
	})
}

// Clear removes every row with one DELETE statement.
func (c *SQLCache) Clear(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}

	return execution.RunWithTimeout(ctx, c.opts.timeout, func(ctx context.Context) error {
		if err := c.session(ctx).Where("1 = 1").Delete(&cacheRow{}).Error; err != nil {
			return backendError("clear cache", err)
		}
		return nil
	})
}

func (c *SQLCache) DeleteExpired(ctx context.Context) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}

	now := c.opts.clock().UnixMilli()
	return execution.WithTimeout(ctx, c.opts.timeout, func(ctx context.Context) (int, error) {
		res := c.session(ctx).
			Where("expires_at_ms IS NOT NULL AND expires_at_ms <= ?", now).
			Delete(&cacheRow{})
		if res.Error != nil {
			return 0, backendError("delete expired keys", res.Error)
		}
		return int(res.RowsAffected), nil
	})
}

func (c *SQLCache) HealthCheck(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return backendError("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		c.logger.Error("sql health check failed", "error", err)
		return backendError("ping", err)
	}
	return nil
}

func (c *SQLCache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (c *SQLCache) session(ctx context.Context) *gorm.DB {
	return c.db.WithContext(ctx).Table(c.table)
}

func (c *SQLCache) ready() error {
	if c.closed.Load() {
		return cache.ErrNotConnected
	}
	return nil
}
