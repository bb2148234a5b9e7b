// Package config loads hivewatch configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full hivewatch configuration.
type Config struct {
	Transport struct {
		URL              string `mapstructure:"url"`
		HeartbeatSeconds int    `mapstructure:"heartbeat_seconds"`
		MissLimit        int    `mapstructure:"miss_limit"`
		ReconnectSeconds int    `mapstructure:"reconnect_seconds"`
	} `mapstructure:"transport"`

	Stream struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"stream"`

	API struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"api"`

	Auth struct {
		Token string `mapstructure:"token"`
	} `mapstructure:"auth"`

	Queue struct {
		Capacity int `mapstructure:"capacity"`
	} `mapstructure:"queue"`

	Notifications struct {
		SnapshotSeconds int `mapstructure:"snapshot_seconds"`
	} `mapstructure:"notifications"`

	LogLevel string `mapstructure:"log_level"`
}

// HeartbeatInterval returns the configured heartbeat period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Transport.HeartbeatSeconds) * time.Second
}

// ReconnectDelay returns the configured reconnect delay.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Transport.ReconnectSeconds) * time.Second
}

// SnapshotInterval returns the notification reconciliation period.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Notifications.SnapshotSeconds) * time.Second
}

// Load reads configuration from path (optional) with HIVE_* environment
// overrides on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("transport.heartbeat_seconds", 20)
	v.SetDefault("transport.miss_limit", 2)
	v.SetDefault("transport.reconnect_seconds", 5)
	v.SetDefault("queue.capacity", 100)
	v.SetDefault("notifications.snapshot_seconds", 60)
	v.SetDefault("log_level", "info")

	// Env overrides
	v.SetEnvPrefix("HIVE")
	v.AutomaticEnv()
	_ = v.BindEnv("auth.token", "HIVE_TOKEN")
	_ = v.BindEnv("transport.url", "HIVE_TRANSPORT_URL")
	_ = v.BindEnv("stream.url", "HIVE_STREAM_URL")
	_ = v.BindEnv("api.url", "HIVE_API_URL")
	_ = v.BindEnv("log_level", "HIVE_LOG_LEVEL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if c.Transport.URL == "" {
		return nil, fmt.Errorf("transport.url is required (set " +
			"HIVE_TRANSPORT_URL or config file)")
	}
	if c.Stream.URL == "" {
		return nil, fmt.Errorf("stream.url is required (set " +
			"HIVE_STREAM_URL or config file)")
	}
	if c.API.URL == "" {
		return nil, fmt.Errorf("api.url is required (set " +
			"HIVE_API_URL or config file)")
	}

	return &c, nil
}
