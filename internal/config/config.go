// Package config loads the bridge's configuration from a YAML file with
// environment variable overrides, via viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete bridge configuration (spec.md §6).
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	OPCUA      OPCUAConfig      `mapstructure:"opc"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Background BackgroundConfig `mapstructure:"background_update"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig configures the inbound read-path listener.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// OPCUAConfig configures the upstream OPC UA endpoint and synchronous reads.
type OPCUAConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	SecurityPolicy string        `mapstructure:"security_policy"`
	SecurityMode   string        `mapstructure:"security_mode"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout_ms"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// CacheConfig configures freshness classification and capacity limits.
type CacheConfig struct {
	RefreshThreshold time.Duration `mapstructure:"refresh_threshold_seconds"`
	ExpireTime       time.Duration `mapstructure:"expire_seconds"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval_seconds"`
	MaxEntries       int           `mapstructure:"max_entries"`
	MaxMemoryMB      int           `mapstructure:"max_memory_mb"`
	ConcurrentReads  int64         `mapstructure:"concurrent_reads"`
}

// BackgroundConfig configures the async refresh worker pool.
type BackgroundConfig struct {
	Threads    int           `mapstructure:"threads"`
	QueueSize  int           `mapstructure:"queue_size"`
	Timeout    time.Duration `mapstructure:"timeout_ms"`
}

// ConnectionConfig configures reconnection backoff.
type ConnectionConfig struct {
	RetryMax     int           `mapstructure:"retry_max"`
	InitialDelay time.Duration `mapstructure:"initial_delay_ms"`
	MaxDelay     time.Duration `mapstructure:"max_delay_ms"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads path (if it exists) through viper, applies OPC_*/CACHE_*/
// BACKGROUND_UPDATE_*/CONNECTION_*/HTTP_* environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// With an explicit SetConfigFile path, viper reports a missing file
		// as a filesystem not-exist error rather than ConfigFileNotFoundError.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "opcua-bridge")
	v.SetDefault("service.environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("opc.endpoint", "opc.tcp://localhost:4840")
	v.SetDefault("opc.security_policy", "None")
	v.SetDefault("opc.security_mode", "None")
	v.SetDefault("opc.read_timeout_ms", 5000*time.Millisecond)
	v.SetDefault("opc.batch_size", 50)

	v.SetDefault("cache.refresh_threshold_seconds", 3*time.Second)
	v.SetDefault("cache.expire_seconds", 10*time.Second)
	v.SetDefault("cache.cleanup_interval_seconds", 60*time.Second)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.max_memory_mb", 100)
	v.SetDefault("cache.concurrent_reads", 10)

	v.SetDefault("background_update.threads", 3)
	v.SetDefault("background_update.queue_size", 1000)
	v.SetDefault("background_update.timeout_ms", 5000*time.Millisecond)

	v.SetDefault("connection.retry_max", 5)
	v.SetDefault("connection.initial_delay_ms", 500*time.Millisecond)
	v.SetDefault("connection.max_delay_ms", 2000*time.Millisecond)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate mirrors Configuration::validate(): refresh must stay below
// expire, and every capacity/worker knob must be positive.
func validate(cfg *Config) error {
	if cfg.Cache.RefreshThreshold >= cfg.Cache.ExpireTime {
		return fmt.Errorf("cache.refresh_threshold_seconds must be less than cache.expire_seconds")
	}
	if cfg.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if cfg.Cache.MaxMemoryMB <= 0 {
		return fmt.Errorf("cache.max_memory_mb must be positive")
	}
	if cfg.Cache.ConcurrentReads <= 0 {
		return fmt.Errorf("cache.concurrent_reads must be positive")
	}
	if cfg.Background.Threads <= 0 {
		return fmt.Errorf("background_update.threads must be positive")
	}
	if cfg.Background.QueueSize <= 0 {
		return fmt.Errorf("background_update.queue_size must be positive")
	}
	if cfg.OPCUA.BatchSize <= 0 {
		return fmt.Errorf("opc.batch_size must be positive")
	}
	if cfg.Connection.RetryMax <= 0 {
		return fmt.Errorf("connection.retry_max must be positive")
	}
	if cfg.Connection.InitialDelay <= 0 || cfg.Connection.MaxDelay <= 0 {
		return fmt.Errorf("connection backoff delays must be positive")
	}
	if cfg.Connection.InitialDelay > cfg.Connection.MaxDelay {
		return fmt.Errorf("connection.initial_delay_ms must not exceed connection.max_delay_ms")
	}
	if cfg.OPCUA.Endpoint == "" {
		return fmt.Errorf("opc.endpoint is required")
	}
	return nil
}
