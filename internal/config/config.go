package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metering MeteringConfig `mapstructure:"metering"`
	Lock     LockConfig     `mapstructure:"lock"`
	Push     PushConfig     `mapstructure:"push"`
	Poll     PollConfig     `mapstructure:"poll"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MeteringConfig defines session metering settings
type MeteringConfig struct {
	FreeTrialDuration string `mapstructure:"free_trial_duration"`
	TickInterval      string `mapstructure:"tick_interval"`
	DebitRetries      int    `mapstructure:"debit_retries"`
	RatePerMinute     string `mapstructure:"rate_per_minute"` // credits, decimal string
}

// LockConfig defines session lease lock settings
type LockConfig struct {
	LeaseTTL      string `mapstructure:"lease_ttl"`
	AcquireWait   string `mapstructure:"acquire_wait"`
	RetryInterval string `mapstructure:"retry_interval"`
}

// PushConfig defines push channel settings
type PushConfig struct {
	SubscriberBuffer  int    `mapstructure:"subscriber_buffer"`
	HeartbeatInterval string `mapstructure:"heartbeat_interval"`
}

// PollConfig defines poll endpoint settings
type PollConfig struct {
	SnapshotCacheSize int    `mapstructure:"snapshot_cache_size"`
	SnapshotCacheTTL  string `mapstructure:"snapshot_cache_ttl"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("METERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration holding only the default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8090)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "0.0.0.0")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metering defaults
	v.SetDefault("metering.free_trial_duration", "60s")
	v.SetDefault("metering.tick_interval", "1s")
	v.SetDefault("metering.debit_retries", 3)
	v.SetDefault("metering.rate_per_minute", "1.0")

	// Lock defaults
	v.SetDefault("lock.lease_ttl", "10s")
	v.SetDefault("lock.acquire_wait", "300ms")
	v.SetDefault("lock.retry_interval", "25ms")

	// Push defaults
	v.SetDefault("push.subscriber_buffer", 16)
	v.SetDefault("push.heartbeat_interval", "15s")

	// Poll defaults
	v.SetDefault("poll.snapshot_cache_size", 4096)
	v.SetDefault("poll.snapshot_cache_ttl", "1s")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}
	if cfg.Storage.Type != "redis" {
		return fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", cfg.Storage.Type)
	}
	if cfg.Storage.Redis.Host == "" {
		return fmt.Errorf("storage.redis.host is required")
	}

	// Durations must parse; components fall back to defaults for empty
	// strings but a present-and-broken value is a config error.
	for _, d := range []struct{ name, value string }{
		{"metering.free_trial_duration", cfg.Metering.FreeTrialDuration},
		{"metering.tick_interval", cfg.Metering.TickInterval},
		{"lock.lease_ttl", cfg.Lock.LeaseTTL},
		{"lock.acquire_wait", cfg.Lock.AcquireWait},
		{"lock.retry_interval", cfg.Lock.RetryInterval},
		{"push.heartbeat_interval", cfg.Push.HeartbeatInterval},
		{"poll.snapshot_cache_ttl", cfg.Poll.SnapshotCacheTTL},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	if cfg.Metering.DebitRetries < 0 {
		return fmt.Errorf("metering.debit_retries must not be negative")
	}

	return nil
}
