// Package config loads application configuration from YAML and environment
// variables with viper. Every tunable the pricing pipeline exposes lives
// here; code reads typed fields, never viper directly.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Pricing    PricingConfig    `mapstructure:"pricing"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Audit      AuditConfig      `mapstructure:"audit"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig contains shared cache tier settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig contains tiered cache settings
type CacheConfig struct {
	LocalMaxEntries     int           `mapstructure:"local_max_entries"`
	BorrowTTL           time.Duration `mapstructure:"borrow_ttl"`
	VolTTL              time.Duration `mapstructure:"vol_ttl"`
	EventTTL            time.Duration `mapstructure:"event_ttl"`
	BrokerTTL           time.Duration `mapstructure:"broker_ttl"`
	MinRateTTL          time.Duration `mapstructure:"minrate_ttl"`
	CalcTTL             time.Duration `mapstructure:"calc_ttl"`
	InvalidationChannel string        `mapstructure:"invalidation_channel"`
}

// PricingConfig contains formula kernel constants
type PricingConfig struct {
	Scale             int32  `mapstructure:"scale"`
	DaysInYear        int    `mapstructure:"days_in_year"`
	VolFactor         string `mapstructure:"vol_factor"`
	EventFactor       string `mapstructure:"event_factor"`
	GlobalMinRate     string `mapstructure:"global_min_rate"`
	DefaultVolatility string `mapstructure:"default_volatility"`
	Currency          string `mapstructure:"currency"`
	MaxLoanDays       int    `mapstructure:"max_loan_days"`
}

// SignalsConfig contains data service settings
type SignalsConfig struct {
	VolGrace        time.Duration `mapstructure:"vol_grace"`
	EventWindowDays int           `mapstructure:"event_window_days"`
}

// ProviderConfig contains one external provider's connection settings
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// ProvidersConfig contains all three external providers
type ProvidersConfig struct {
	SecLend ProviderConfig `mapstructure:"seclend"`
	Market  ProviderConfig `mapstructure:"market"`
	Events  ProviderConfig `mapstructure:"events"`
}

// RetryConfig contains retry budget settings
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// ResilienceConfig contains circuit breaker and retry settings, applied to
// every provider endpoint
type ResilienceConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	HalfOpenProbes   uint32        `mapstructure:"half_open_probes"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	RateLimit        float64       `mapstructure:"rate_limit"` // requests/second, 0 disables
	Retry            RetryConfig   `mapstructure:"retry"`
}

// AuditConfig contains audit emitter settings
type AuditConfig struct {
	Workers            int           `mapstructure:"workers"`
	QueueSize          int           `mapstructure:"queue_size"`
	BatchSize          int           `mapstructure:"batch_size"`
	BatchLinger        time.Duration `mapstructure:"batch_linger"`
	EnqueueDeadline    time.Duration `mapstructure:"enqueue_deadline"`
	DurabilityDeadline time.Duration `mapstructure:"durability_deadline"`
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// RequestDeadline caps the total time spent serving one request; every
	// downstream fetch inherits the remaining budget through the context.
	RequestDeadline time.Duration `mapstructure:"request_deadline"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("LOCATEFEE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "locatefee")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "locatefee")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.min_conns", 2)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Cache defaults
	v.SetDefault("cache.local_max_entries", 10000)
	v.SetDefault("cache.borrow_ttl", "5m")
	v.SetDefault("cache.vol_ttl", "15m")
	v.SetDefault("cache.event_ttl", "1h")
	v.SetDefault("cache.broker_ttl", "30m")
	v.SetDefault("cache.minrate_ttl", "24h")
	v.SetDefault("cache.calc_ttl", "60s")
	v.SetDefault("cache.invalidation_channel", "locatefee:invalidate")

	// Pricing kernel defaults
	v.SetDefault("pricing.scale", 4)
	v.SetDefault("pricing.days_in_year", 365)
	v.SetDefault("pricing.vol_factor", "0.01")
	v.SetDefault("pricing.event_factor", "0.005")
	v.SetDefault("pricing.global_min_rate", "0.0025")
	v.SetDefault("pricing.default_volatility", "20")
	v.SetDefault("pricing.currency", "USD")
	v.SetDefault("pricing.max_loan_days", 90)

	// Data service defaults
	v.SetDefault("signals.vol_grace", "45m")
	v.SetDefault("signals.event_window_days", 90)

	// Provider defaults
	v.SetDefault("providers.seclend.base_url", "http://localhost:9201")
	v.SetDefault("providers.seclend.api_key", "")
	v.SetDefault("providers.market.base_url", "http://localhost:9202")
	v.SetDefault("providers.market.api_key", "")
	v.SetDefault("providers.events.base_url", "http://localhost:9203")
	v.SetDefault("providers.events.api_key", "")

	// Resilience defaults
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.recovery_timeout", "60s")
	v.SetDefault("resilience.half_open_probes", 3)
	v.SetDefault("resilience.attempt_timeout", "1s")
	v.SetDefault("resilience.max_concurrent", 32)
	v.SetDefault("resilience.rate_limit", 0)
	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.initial_backoff", "100ms")
	v.SetDefault("resilience.retry.max_backoff", "2s")

	// Audit defaults
	v.SetDefault("audit.workers", 4)
	v.SetDefault("audit.queue_size", 256)
	v.SetDefault("audit.batch_size", 50)
	v.SetDefault("audit.batch_linger", "250ms")
	v.SetDefault("audit.enqueue_deadline", "2s")
	v.SetDefault("audit.durability_deadline", "30s")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.request_deadline", "5s")

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks cross-field constraints that viper cannot
func (c *Config) Validate() error {
	if c.Pricing.Scale < 0 || c.Pricing.Scale > 12 {
		return fmt.Errorf("pricing.scale must be between 0 and 12, got %d", c.Pricing.Scale)
	}
	if c.Pricing.DaysInYear != 360 && c.Pricing.DaysInYear != 365 {
		return fmt.Errorf("pricing.days_in_year must be 360 or 365, got %d", c.Pricing.DaysInYear)
	}
	if c.Pricing.MaxLoanDays > c.Signals.EventWindowDays {
		return fmt.Errorf("pricing.max_loan_days (%d) must not exceed signals.event_window_days (%d)",
			c.Pricing.MaxLoanDays, c.Signals.EventWindowDays)
	}
	if c.Audit.Workers <= 0 || c.Audit.QueueSize <= 0 || c.Audit.BatchSize <= 0 {
		return fmt.Errorf("audit.workers, audit.queue_size and audit.batch_size must be positive")
	}
	if c.Resilience.FailureThreshold == 0 {
		return fmt.Errorf("resilience.failure_threshold must be positive")
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database.pool_size must be positive")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be a valid port, got %d", c.API.Port)
	}
	if c.API.RequestDeadline <= 0 {
		return fmt.Errorf("api.request_deadline must be positive")
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
