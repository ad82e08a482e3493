package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// BrokerConfig contains upstream broker WebSocket settings
type BrokerConfig struct {
	WSURL               string `mapstructure:"ws_url"`
	AppID               string `mapstructure:"app_id"`
	HeartbeatIntervalMS int    `mapstructure:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `mapstructure:"heartbeat_timeout_ms"`
	ConnectTimeoutMS    int    `mapstructure:"connect_timeout_ms"`
	RequestTimeoutMS    int    `mapstructure:"request_timeout_ms"`
	ReconnectBaseMS     int    `mapstructure:"reconnect_base_ms"`
	ReconnectMaxMS      int    `mapstructure:"reconnect_max_ms"`
	CircuitWindowMS     int    `mapstructure:"circuit_window_ms"`
	CircuitThreshold    int    `mapstructure:"circuit_threshold"`
	RequestsPerSecond   int    `mapstructure:"requests_per_second"`

	// Markets is the set of symbols the feed subscribes to at startup.
	Markets []string `mapstructure:"markets"`
}

// PipelineConfig contains market data pipeline settings
type PipelineConfig struct {
	TickQueueCapacity int `mapstructure:"tick_queue_capacity"`
	TickOverflowDrop  int `mapstructure:"tick_overflow_drop"`
	BatchIntervalMS   int `mapstructure:"batch_interval_ms"`
}

// StakeConfig contains default stake sizing settings
type StakeConfig struct {
	Base           float64 `mapstructure:"base"`
	Min            float64 `mapstructure:"min"`
	Max            float64 `mapstructure:"max"`
	ConfidenceMult bool    `mapstructure:"confidence_mult"`
}

// DurationConfig contains the default contract duration
type DurationConfig struct {
	Value int    `mapstructure:"value"`
	Unit  string `mapstructure:"unit"`
}

// ExecutionConfig contains execution core settings
type ExecutionConfig struct {
	IdempotencyTTLS    int            `mapstructure:"idempotency_ttl_s"`
	SettlementTimeoutS int            `mapstructure:"settlement_timeout_s"`
	DefaultStake       StakeConfig    `mapstructure:"default_stake"`
	DefaultDuration    DurationConfig `mapstructure:"default_duration"`
}

// ProfileConfig contains one risk profile's parameters
type ProfileConfig struct {
	StakeMult float64 `mapstructure:"stake_mult"`
	MinConf   float64 `mapstructure:"min_conf"`
}

// RiskConfig contains risk guard settings
type RiskConfig struct {
	Profiles map[string]ProfileConfig `mapstructure:"profiles"`
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
}

// RedisConfig contains Redis settings for the idempotency store
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// NATSConfig contains NATS event bus settings
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Prefix  string `mapstructure:"prefix"`
	Enabled bool   `mapstructure:"enabled"`
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
	v.SetEnvPrefix("TRADECORE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
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
	v.SetDefault("app.name", "tradecore")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Broker defaults
	v.SetDefault("broker.ws_url", "wss://ws.derivws.com/websockets/v3")
	v.SetDefault("broker.heartbeat_interval_ms", 10000)
	v.SetDefault("broker.heartbeat_timeout_ms", 15000)
	v.SetDefault("broker.connect_timeout_ms", 5000)
	v.SetDefault("broker.request_timeout_ms", 10000)
	v.SetDefault("broker.reconnect_base_ms", 1000)
	v.SetDefault("broker.reconnect_max_ms", 30000)
	v.SetDefault("broker.circuit_window_ms", 30000)
	v.SetDefault("broker.circuit_threshold", 5)
	v.SetDefault("broker.requests_per_second", 10)
	v.SetDefault("broker.markets", []string{"R_50", "R_75", "R_100"})

	// Pipeline defaults
	v.SetDefault("pipeline.tick_queue_capacity", 100)
	v.SetDefault("pipeline.tick_overflow_drop", 10)
	v.SetDefault("pipeline.batch_interval_ms", 50)

	// Execution defaults
	v.SetDefault("execution.idempotency_ttl_s", 3600)
	v.SetDefault("execution.settlement_timeout_s", 300)
	v.SetDefault("execution.default_stake.base", 10.0)
	v.SetDefault("execution.default_stake.min", 1.0)
	v.SetDefault("execution.default_stake.max", 100.0)
	v.SetDefault("execution.default_stake.confidence_mult", true)
	v.SetDefault("execution.default_duration.value", 3)
	v.SetDefault("execution.default_duration.unit", "m")

	// Risk profile defaults
	v.SetDefault("risk.profiles.low.stake_mult", 0.5)
	v.SetDefault("risk.profiles.low.min_conf", 0.8)
	v.SetDefault("risk.profiles.medium.stake_mult", 1.0)
	v.SetDefault("risk.profiles.medium.min_conf", 0.65)
	v.SetDefault("risk.profiles.high.stake_mult", 1.5)
	v.SetDefault("risk.profiles.high.min_conf", 0.5)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tradecore")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", true)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.prefix", "trading.")
	v.SetDefault("nats.enabled", true)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks the configuration for fatal problems. A process with an
// invalid configuration must refuse to start.
func (c *Config) Validate() error {
	if c.Broker.AppID == "" {
		return fmt.Errorf("broker.app_id is required")
	}
	if c.Broker.WSURL == "" {
		return fmt.Errorf("broker.ws_url is required")
	}
	if c.Pipeline.TickQueueCapacity <= 0 {
		return fmt.Errorf("pipeline.tick_queue_capacity must be positive")
	}
	if c.Pipeline.TickOverflowDrop <= 0 || c.Pipeline.TickOverflowDrop > c.Pipeline.TickQueueCapacity {
		return fmt.Errorf("pipeline.tick_overflow_drop must be in (0, tick_queue_capacity]")
	}
	if c.Execution.DefaultStake.Min > c.Execution.DefaultStake.Max {
		return fmt.Errorf("execution.default_stake.min must not exceed max")
	}
	for name, p := range c.Risk.Profiles {
		if p.StakeMult <= 0 {
			return fmt.Errorf("risk.profiles.%s.stake_mult must be positive", name)
		}
		if p.MinConf < 0 || p.MinConf > 1 {
			return fmt.Errorf("risk.profiles.%s.min_conf must be in [0, 1]", name)
		}
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

// HeartbeatInterval returns the heartbeat interval as a duration
func (c *BrokerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// HeartbeatTimeout returns the heartbeat dead-man timeout as a duration
func (c *BrokerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}

// ConnectTimeout returns the connect timeout as a duration
func (c *BrokerConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// RequestTimeout returns the request timeout as a duration
func (c *BrokerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// ReconnectBase returns the reconnect backoff base as a duration
func (c *BrokerConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}

// ReconnectMax returns the reconnect backoff cap as a duration
func (c *BrokerConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMS) * time.Millisecond
}

// CircuitWindow returns the circuit breaker failure window as a duration
func (c *BrokerConfig) CircuitWindow() time.Duration {
	return time.Duration(c.CircuitWindowMS) * time.Millisecond
}

// BatchInterval returns the drainer interval as a duration
func (c *PipelineConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMS) * time.Millisecond
}

// IdempotencyTTL returns the idempotency key TTL as a duration
func (c *ExecutionConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLS) * time.Second
}

// SettlementTimeout returns the settlement wait timeout as a duration
func (c *ExecutionConfig) SettlementTimeout() time.Duration {
	return time.Duration(c.SettlementTimeoutS) * time.Second
}
