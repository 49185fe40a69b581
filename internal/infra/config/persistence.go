package config

import "time"

// CircuitBreakerConfig holds settings for the remote backend circuit breaker.
type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxFailures  int           `mapstructure:"max_failures"  validate:"gte=0"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout" validate:"gte=0"`
}

// MemoryConfig configures the in-process store.
type MemoryConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gte=0"`
	ReclaimEvery    int           `mapstructure:"reclaim_every"    validate:"gte=0"`
}

// PostgresConfig configures the relational backend over pgx.
type PostgresConfig struct {
	URL        string             `mapstructure:"url"   validate:"required,url"`
	Table      string             `mapstructure:"table" validate:"required,sqlident"`
	Connection DBConnectionConfig `mapstructure:"connection"`
	TLS        TLSConfig          `mapstructure:"tls"`
}

// DBConnectionConfig represents the database connection pool configuration.
type DBConnectionConfig struct {
	MaxConns          int32         `mapstructure:"max_conns"           validate:"gte=0"`
	MinConns          int32         `mapstructure:"min_conns"           validate:"gte=0"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// TLSConfig represents the database TLS configuration.
type TLSConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SQLiteConfig configures the relational backend over gorm and SQLite.
type SQLiteConfig struct {
	DSN   string `mapstructure:"dsn"   validate:"required"`
	Table string `mapstructure:"table" validate:"required,sqlident"`
}

// NATSConfig configures the JetStream key-value backend. The bucket must
// already exist.
type NATSConfig struct {
	URL    string `mapstructure:"url"    validate:"required,url"`
	Bucket string `mapstructure:"bucket" validate:"required,natsbucket"`
	Name   string `mapstructure:"name"`
}

// BoltConfig configures the embedded bbolt backend.
type BoltConfig struct {
	Path   string `mapstructure:"path"   validate:"required"`
	Bucket string `mapstructure:"bucket" validate:"required"`
}
