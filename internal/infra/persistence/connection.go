package persistence

import (
	"context"
	"crypto/tls"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spounge-ai/cashier/internal/infra/config"
)

// NewConnectionPool creates a PostgreSQL connection pool from the backend
// configuration and verifies it with a ping.
func NewConnectionPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, notConfigured("postgres: failed to parse db config: %v", err)
	}

	if cfg.TLS.Enabled {
		poolConfig.ConnConfig.TLSConfig = &tls.Config{
			ServerName: poolConfig.ConnConfig.Host,
			MinVersion: tls.VersionTLS12,
		}
	}

	conn := cfg.Connection
	if conn.MaxConns > 0 {
		poolConfig.MaxConns = conn.MaxConns
	}
	if conn.MinConns > 0 {
		poolConfig.MinConns = conn.MinConns
	}
	if conn.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = conn.MaxConnIdleTime
	}
	if conn.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = conn.MaxConnLifetime
	}
	if conn.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = conn.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, backendError("create connection pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, backendError("ping database", err)
	}

	return pool, nil
}
