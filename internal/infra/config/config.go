package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	customvalidator "github.com/spounge-ai/cashier/pkg/validator"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendS3       = "s3"
	BackendNATS     = "nats"
	BackendBolt     = "bolt"
)

// Config holds the application configuration. Only the section of the
// selected backend is validated.
type Config struct {
	Backend          string               `mapstructure:"backend"           validate:"required,oneof=memory postgres sqlite s3 nats bolt"`
	OperationTimeout time.Duration        `mapstructure:"operation_timeout" validate:"gte=0"`
	HealthInterval   time.Duration        `mapstructure:"health_interval"   validate:"gte=0"`
	Log              LogConfig            `mapstructure:"log"`
	Connect          ConnectConfig        `mapstructure:"connect"`
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	Memory   MemoryConfig   `mapstructure:"memory"   validate:"-"`
	Postgres PostgresConfig `mapstructure:"postgres" validate:"-"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"   validate:"-"`
	S3       S3Config       `mapstructure:"s3"       validate:"-"`
	NATS     NATSConfig     `mapstructure:"nats"     validate:"-"`
	Bolt     BoltConfig     `mapstructure:"bolt"     validate:"-"`
}

// LogConfig configures the slog handler built by the CLI.
type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// ConnectConfig controls how remote backends are dialed at startup.
type ConnectConfig struct {
	Attempts       int           `mapstructure:"attempts"        validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"     validate:"gte=0"`
}

// Load reads configuration from path (or ./configs/cashier.yaml, ./cashier.yaml),
// overlays CASHIER_* environment variables and validates the result.
func Load(path string) (*Config, error) {
	vip := viper.New()
	if path != "" {
		vip.SetConfigFile(path)
	} else {
		vip.SetConfigName("cashier")
		vip.AddConfigPath("./configs")
		vip.AddConfigPath(".")
	}

	vip.SetConfigType("yaml")
	vip.SetEnvPrefix("CASHIER")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vip.AutomaticEnv()

	setDefaults(vip)

	if err := vip.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the top-level settings and the selected backend section.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := customvalidator.RegisterCustomValidators(validate); err != nil {
		return fmt.Errorf("failed to register custom validators: %w", err)
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	var section any
	switch c.Backend {
	case BackendMemory:
		section = c.Memory
	case BackendPostgres:
		section = c.Postgres
	case BackendSQLite:
		section = c.SQLite
	case BackendS3:
		section = c.S3
	case BackendNATS:
		section = c.NATS
	case BackendBolt:
		section = c.Bolt
	}

	if err := validate.Struct(section); err != nil {
		return fmt.Errorf("%s config validation failed: %w", c.Backend, err)
	}

	return nil
}

func setDefaults(vip *viper.Viper) {
	vip.SetDefault("backend", BackendMemory)
	vip.SetDefault("operation_timeout", "3s")
	vip.SetDefault("health_interval", "0s")

	vip.SetDefault("log.level", "info")
	vip.SetDefault("log.format", "text")

	vip.SetDefault("connect.attempts", 3)
	vip.SetDefault("connect.initial_backoff", "200ms")
	vip.SetDefault("connect.max_backoff", "2s")

	vip.SetDefault("circuit_breaker.enabled", false)
	vip.SetDefault("circuit_breaker.max_failures", 5)
	vip.SetDefault("circuit_breaker.reset_timeout", "30s")

	vip.SetDefault("memory.cleanup_interval", "0s")
	vip.SetDefault("memory.reclaim_every", 0)

	vip.SetDefault("postgres.url", "")
	vip.SetDefault("postgres.table", "cache_entries")
	vip.SetDefault("postgres.connection.max_conns", 10)
	vip.SetDefault("postgres.connection.min_conns", 0)
	vip.SetDefault("postgres.connection.max_conn_lifetime", "1h")
	vip.SetDefault("postgres.connection.max_conn_idle_time", "30m")
	vip.SetDefault("postgres.connection.health_check_period", "1m")
	vip.SetDefault("postgres.tls.enabled", false)

	vip.SetDefault("sqlite.dsn", "file:cashier.sqlite")
	vip.SetDefault("sqlite.table", "cache_entries")

	vip.SetDefault("s3.region", "")
	vip.SetDefault("s3.bucket", "")
	vip.SetDefault("s3.prefix", "cashier")
	vip.SetDefault("s3.endpoint", "")
	vip.SetDefault("s3.use_path_style", false)

	vip.SetDefault("nats.url", "nats://127.0.0.1:4222")
	vip.SetDefault("nats.bucket", "cashier")
	vip.SetDefault("nats.name", "cashier")

	vip.SetDefault("bolt.path", "cashier.bolt")
	vip.SetDefault("bolt.bucket", "cashier")
}
