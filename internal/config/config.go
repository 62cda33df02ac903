package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Vendor     VendorConfig     `yaml:"vendor"`
	Cache      CacheConfig      `yaml:"cache"`
	Ancillary  AncillaryConfig  `yaml:"ancillary"`
	Redis      RedisConfig      `yaml:"redis"`
	Session    SessionConfig    `yaml:"session"`
	Replay     ReplayConfig     `yaml:"replay"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Server     ServerConfig     `yaml:"server"`
}

// VendorConfig locates and authenticates against the upstream
// market-data vendor (spec.md §4.2).
type VendorConfig struct {
	URL                  string `yaml:"url"`
	APIKey               string `yaml:"api_key"`
	HandshakeTimeout     string `yaml:"handshake_timeout"`
	MaxInvalidStartRetry int    `yaml:"max_invalid_start_retries"`
}

// CacheConfig configures the durable 1-minute bar store (spec.md §4.3).
type CacheConfig struct {
	Path          string `yaml:"path"`
	EarlyCushion  string `yaml:"early_cushion"`
	LateCushion   string `yaml:"late_cushion"`
	DefaultWindow string `yaml:"default_window"` // used when start_time is absent (spec.md §6: 60 days)
}

// AncillaryConfig locates the settings/annotations/strategies store
// (spec.md §6, out of scope for the core engine but carried as a
// collaborator).
type AncillaryConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig configures the cross-process strategy/annotation fan-out
// publisher (spec.md §5: "broadcast to every currently-connected client
// whose ID is in the strategy's subscribers list").
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Timeout  string `yaml:"timeout"`
}

// SessionConfig tunes per-client session defaults.
type SessionConfig struct {
	Timezone          string `yaml:"timezone"` // not read; session-aligned bucketing always uses America/New_York
	DefaultLiveData   string `yaml:"default_live_data"`
	TradeQueueBacklog int    `yaml:"trade_queue_backlog"`
}

// ReplayConfig holds replay settings. DefaultIntervalMs is not read: the
// replay engine always starts with a 1-second tick interval.
type ReplayConfig struct {
	DefaultIntervalMs int64 `yaml:"default_interval_ms"`
}

// MonitoringConfig configures Prometheus metrics exposure.
type MonitoringConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// ServerConfig configures the demo transport listener (spec.md §6's
// message channel is a collaborator, not specified by the core).
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// HandshakeTimeoutDuration parses Vendor.HandshakeTimeout, defaulting to
// 45 seconds when unset or unparsable.
func (c VendorConfig) HandshakeTimeoutDuration() time.Duration {
	return parseOrDefault(c.HandshakeTimeout, 45*time.Second)
}

// EarlyCushionDuration parses Cache.EarlyCushion, defaulting to the
// spec's 3-day cushion when unset or unparsable.
func (c CacheConfig) EarlyCushionDuration() time.Duration {
	return parseOrDefault(c.EarlyCushion, 3*24*time.Hour)
}

// LateCushionDuration parses Cache.LateCushion, defaulting to the
// spec's 3-hour cushion when unset or unparsable.
func (c CacheConfig) LateCushionDuration() time.Duration {
	return parseOrDefault(c.LateCushion, 3*time.Hour)
}

// DefaultWindowDuration parses Cache.DefaultWindow, defaulting to the
// spec's 60-day lookback when start_time is absent.
func (c CacheConfig) DefaultWindowDuration() time.Duration {
	return parseOrDefault(c.DefaultWindow, 60*24*time.Hour)
}

// GetRedisAddress returns the Redis host:port pair for dialing.
func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// GetRedisDatabase returns the configured Redis logical database index.
func (c *Config) GetRedisDatabase() int {
	return c.Redis.DB
}

func parseOrDefault(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Validate checks required fields and fills defaults that have no safe
// structural zero value.
func (c *Config) Validate() error {
	if c.Vendor.URL == "" {
		return errMissingField("vendor.url")
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "data/bars.db"
	}
	if c.Ancillary.Path == "" {
		c.Ancillary.Path = "data/ancillary.db"
	}
	if c.Session.Timezone == "" {
		c.Session.Timezone = "America/New_York"
	}
	if c.Session.DefaultLiveData == "" {
		c.Session.DefaultLiveData = "none"
	}
	if c.Session.TradeQueueBacklog == 0 {
		c.Session.TradeQueueBacklog = 1024
	}
	if c.Vendor.MaxInvalidStartRetry == 0 {
		c.Vendor.MaxInvalidStartRetry = 4
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Replay.DefaultIntervalMs == 0 {
		c.Replay.DefaultIntervalMs = 1000
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	return nil
}

func errMissingField(field string) error {
	return &missingFieldError{field: field}
}

type missingFieldError struct{ field string }

func (e *missingFieldError) Error() string {
	return "config: missing required field " + e.field
}
