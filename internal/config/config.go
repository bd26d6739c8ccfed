package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// ServerConfig defines listen addresses and ports.
type ServerConfig struct {
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines storage backend settings.
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings.
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

// MQTTConfig defines the message-bus connection.
type MQTTConfig struct {
	BrokerURL     string `mapstructure:"broker_url"`
	ClientID      string `mapstructure:"client_id"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	TopicPrefix   string `mapstructure:"topic_prefix"`
	EventQueueLen int    `mapstructure:"event_queue_len"`
}

// QuotaConfig defines defaults applied to newly discovered users.
type QuotaConfig struct {
	DefaultLimitMinutes int    `mapstructure:"default_limit_minutes"`
	WarningLeadMinutes  int    `mapstructure:"warning_lead_minutes"`
	AutoShutdownEnabled bool   `mapstructure:"auto_shutdown_enabled"`
	Timezone            string `mapstructure:"timezone"`
}

// SchedulerConfig defines the enforcement loop.
type SchedulerConfig struct {
	TickInterval    string `mapstructure:"tick_interval"`
	SessionTimeout  string `mapstructure:"session_timeout"`
	DispatchTimeout string `mapstructure:"dispatch_timeout"`
	DispatchRetries int    `mapstructure:"dispatch_retries"`
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RetentionConfig defines historical-data cleanup.
type RetentionConfig struct {
	Days        int    `mapstructure:"days"`
	CleanupTime string `mapstructure:"cleanup_time"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("PLAYWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.api_port", 8086)
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

	// MQTT defaults
	v.SetDefault("mqtt.broker_url", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "playwarden")
	v.SetDefault("mqtt.topic_prefix", "ps5-mqtt")
	v.SetDefault("mqtt.event_queue_len", 256)

	// Quota defaults
	v.SetDefault("quota.default_limit_minutes", 120)
	v.SetDefault("quota.warning_lead_minutes", 10)
	v.SetDefault("quota.auto_shutdown_enabled", true)
	v.SetDefault("quota.timezone", "Local")

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval", "60s")
	v.SetDefault("scheduler.session_timeout", "5m")
	v.SetDefault("scheduler.dispatch_timeout", "5s")
	v.SetDefault("scheduler.dispatch_retries", 3)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Retention defaults
	v.SetDefault("retention.days", 90)
	v.SetDefault("retention.cleanup_time", "04:00")
}

// Validate validates the configuration.
func Validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Storage.Type != "redis" {
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if cfg.Storage.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt broker_url is required")
	}
	if cfg.MQTT.EventQueueLen <= 0 {
		return fmt.Errorf("mqtt event_queue_len must be positive, got %d", cfg.MQTT.EventQueueLen)
	}

	if cfg.Quota.DefaultLimitMinutes < 0 {
		return fmt.Errorf("quota default_limit_minutes must be non-negative, got %d", cfg.Quota.DefaultLimitMinutes)
	}
	if cfg.Quota.WarningLeadMinutes < 0 {
		return fmt.Errorf("quota warning_lead_minutes must be non-negative, got %d", cfg.Quota.WarningLeadMinutes)
	}
	if _, err := LoadLocation(cfg.Quota.Timezone); err != nil {
		return fmt.Errorf("invalid quota timezone: %w", err)
	}

	for name, value := range map[string]string{
		"scheduler.tick_interval":    cfg.Scheduler.TickInterval,
		"scheduler.session_timeout":  cfg.Scheduler.SessionTimeout,
		"scheduler.dispatch_timeout": cfg.Scheduler.DispatchTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if cfg.Scheduler.DispatchRetries < 1 {
		return fmt.Errorf("scheduler dispatch_retries must be at least 1, got %d", cfg.Scheduler.DispatchRetries)
	}

	if cfg.Retention.Days < 1 {
		return fmt.Errorf("retention days must be at least 1, got %d", cfg.Retention.Days)
	}
	if _, err := time.Parse("15:04", cfg.Retention.CleanupTime); err != nil {
		return fmt.Errorf("invalid retention cleanup_time: %w", err)
	}

	return nil
}

// LoadLocation resolves the configured timezone name. "Local" and "" map to
// the system timezone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
