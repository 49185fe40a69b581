package persistence

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	consts "github.com/spounge-ai/cashier/internal/constants"
	"github.com/spounge-ai/cashier/pkg/cache"
	"github.com/spounge-ai/cashier/pkg/execution"
	"github.com/spounge-ai/cashier/pkg/postgres"
	"github.com/spounge-ai/cashier/pkg/validator"
)

var (
	_ cache.Cache         = (*PostgresCache)(nil)
	_ cache.Reclaimer     = (*PostgresCache)(nil)
	_ cache.HealthChecker = (*PostgresCache)(nil)
)

// PostgresCache stores entries in a PostgreSQL table. TTLs are kept in the
// expires_at_ms column and filtered in the WHERE clause of every read.
type PostgresCache struct {
	*postgres.Client
	logger  *slog.Logger
	table   string
	queries map[string]string
	opts    options
	closed  atomic.Bool
}

// NewPostgresCache binds to an existing table and prepares its statements,
// so a missing table fails here rather than on the first call.
func NewPostgresCache(ctx context.Context, db *pgxpool.Pool, table string, opts ...Option) (*PostgresCache, error) {
	if db == nil {
		return nil, notConfigured("postgres: connection pool is required")
	}
	if table == "" {
		table = consts.DefaultTable
	}
	if !validator.IsSQLIdent(table) {
		return nil, notConfigured("postgres: invalid table name %q", table)
	}

	o := newOptions(opts)
	a := &PostgresCache{
		Client:  postgres.NewClient(db),
		logger:  o.logger.With("backend", "postgres", "table", table),
		table:   table,
		queries: consts.Queries(table),
		opts:    o,
	}

	if err := execution.RunWithTimeout(ctx, o.timeout, func(ctx context.Context) error {
		return a.PrepareStatements(ctx, a.queries)
	}); err != nil {
		return nil, backendError("prepare statements", err)
	}

	return a, nil
}

func (a *PostgresCache) Set(ctx context.Context, key, value string) error {
	return a.upsert(ctx, key, value, nil)
}

func (a *PostgresCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := cache.Deadline(a.opts.clock(), ttl).UnixMilli()
	return a.upsert(ctx, key, value, &expiresAt)
}

func (a *PostgresCache) upsert(ctx context.Context, key, value string, expiresAtMs *int64) error {
	if err := a.ready(); err != nil {
		return err
	}

	return execution.RunWithTimeout(ctx, a.opts.timeout, func(ctx context.Context) error {
		if _, err := a.DB.Exec(ctx, a.queries[consts.StmtUpsertEntry], key, value, expiresAtMs); err != nil {
			return backendError("upsert entry", err)
		}
		return nil
	})
}

func (a *PostgresCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := a.ready(); err != nil {
		return "", false, err
	}

	now := a.opts.clock().UnixMilli()
	var value string
	err := execution.RunWithTimeout(ctx, a.opts.timeout, func(ctx context.Context) error {
		return a.DB.QueryRow(ctx, a.queries[consts.StmtGetEntry], key, now).Scan(&value)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backendError("get entry", err)
	}

	return value, true, nil
}

func (a *PostgresCache) Delete(ctx context.Context, key string) error {
	if err := a.ready(); err != nil {
		return err
	}

	return execution.RunWithTimeout(ctx, a.opts.timeout, func(ctx context.Context) error {
		if _, err := a.DB.Exec(ctx, a.queries[consts.StmtDeleteEntry], key); err != nil {
			return backendError("delete entry", err)
		}
		return nil
	})
}

// Clear deletes every row in a single statement, so concurrent readers see
// either all rows or none.
func (a *PostgresCache) Clear(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}

	return execution.RunWithTimeout(ctx, a.opts.timeout, func(ctx context.Context) error {
		if _, err := a.DB.Exec(ctx, a.queries[consts.StmtClearEntries]); err != nil {
			return backendError("clear entries", err)
		}
		return nil
	})
}

func (a *PostgresCache) DeleteExpired(ctx context.Context) (int, error) {
	if err := a.ready(); err != nil {
		return 0, err
	}

	now := a.opts.clock().UnixMilli()
	return execution.WithTimeout(ctx, a.opts.timeout, func(ctx context.Context) (int, error) {
		tag, err := a.DB.Exec(ctx, a.queries[consts.StmtDeleteExpired], now)
		if err != nil {
			return 0, backendError("delete expired entries", err)
		}
		return int(tag.RowsAffected()), nil
	})
}

func (a *PostgresCache) HealthCheck(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}
	if err := a.Ping(ctx); err != nil {
		a.logger.Error("postgres health check failed", "error", err)
		return backendError("ping", err)
	}
	return nil
}

func (a *PostgresCache) Close() error {
	if a.closed.CompareAndSwap(false, true) {
		a.Client.Close()
	}
	return nil
}

func (a *PostgresCache) ready() error {
	if a.closed.Load() {
		return cache.ErrNotConnected
	}
	return nil
}
