package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the dispatcher
type Config struct {
	// Server configuration
	HTTPPort int    `env:"DISPATCHD_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"DISPATCHD_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage backend: memory, redis or postgres
	StorageBackend string `env:"DISPATCHD_STORAGE_BACKEND" envDefault:"memory"`
	// Event bus backend: memory or redis
	EventBackend string `env:"DISPATCHD_EVENT_BACKEND" envDefault:"memory"`

	// Redis configuration
	Redis RedisConfig

	// Postgres configuration
	Postgres PostgresConfig

	// Dispatcher tuning
	Dispatcher DispatcherConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// PostgresConfig holds Postgres connection configuration
type PostgresConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"POSTGRES_MAX_IDLE_CONNS" envDefault:"2"`
	ConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`
}

// DispatcherConfig holds lifecycle-controller tuning
type DispatcherConfig struct {
	MaxUpdateAttempts int `env:"DISPATCHD_MAX_UPDATE_ATTEMPTS" envDefault:"5"`
	ReportQueueSize   int `env:"DISPATCHD_REPORT_QUEUE_SIZE" envDefault:"256"`
	ReportWorkers     int `env:"DISPATCHD_REPORT_WORKERS" envDefault:"4"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	DefaultTaskTimeout   time.Duration `env:"TIMEOUT_TASK_EXECUTION" envDefault:"300s"` // 5 minutes
	TimeoutHardCeiling   time.Duration `env:"TIMEOUT_TASK_CEILING" envDefault:"1h"`
	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"60s"`
	ReconcileGraceWindow time.Duration `env:"RECONCILE_GRACE_WINDOW" envDefault:"30s"`
	ShutdownTimeout      time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	switch c.StorageBackend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for redis storage")
		}
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (must be memory, redis or postgres)", c.StorageBackend)
	}

	switch c.EventBackend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for redis events")
		}
	default:
		return fmt.Errorf("unsupported event backend: %s (must be memory or redis)", c.EventBackend)
	}

	if c.Dispatcher.MaxUpdateAttempts < 1 {
		return fmt.Errorf("max update attempts must be at least 1")
	}
	if c.Dispatcher.ReportWorkers < 1 {
		return fmt.Errorf("report worker count must be at least 1")
	}
	if c.Timeouts.TimeoutHardCeiling > time.Hour {
		return fmt.Errorf("task timeout ceiling cannot exceed 1h")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
