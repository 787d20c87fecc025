package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
//
// Sources, in order of precedence:
//  1. Environment variables (CALLGATE_*)
//  2. Configuration file (callgate.yaml)
//  3. Default values
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Admission AdmissionConfig `mapstructure:"admission"`
}

// ServerConfig configures the HTTP management surface
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig configures the shared counter store. With Enabled false
// the service runs on in-memory counters: fine for a single instance,
// no shared limit across replicas.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AdmissionConfig is the startup admission policy. Enabled, the default
// limit, and the overflow action stay mutable at runtime through the
// management API.
type AdmissionConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	DefaultLimit   int           `mapstructure:"default_limit"`
	OverflowAction string        `mapstructure:"overflow_action"`
	FailOpen       bool          `mapstructure:"fail_open"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("admission.enabled", true)
	v.SetDefault("admission.default_limit", 5)
	v.SetDefault("admission.overflow_action", "reject")
	v.SetDefault("admission.fail_open", false)
	v.SetDefault("admission.timeout", 2*time.Second)

	// Config file is optional; env and defaults are enough to run
	v.SetConfigName("callgate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/callgate")

	// CALLGATE_REDIS_ADDR overrides redis.addr, and so on
	v.SetEnvPrefix("CALLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configs the service cannot run with
func (c *Config) Validate() error {
	if c.Admission.DefaultLimit < 0 {
		return fmt.Errorf("admission.default_limit must be >= 0, got %d", c.Admission.DefaultLimit)
	}
	switch c.Admission.OverflowAction {
	case "reject", "terminate_oldest":
	default:
		return fmt.Errorf("admission.overflow_action must be reject or terminate_oldest, got %q", c.Admission.OverflowAction)
	}
	if c.Admission.Timeout <= 0 {
		return fmt.Errorf("admission.timeout must be > 0")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}
