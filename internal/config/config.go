package config

import "time"

// Config represents the complete application configuration. Values are
// layered: built-in defaults, then the config file, then KEYWATCH_*
// environment variables, then runtime overrides.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Profile ProfileConfig `mapstructure:"profile"`
	Service ServiceConfig `mapstructure:"service"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Debug   DebugConfig   `mapstructure:"debug"`

	// RateLimits overrides the per-minute request budget of profile service
	// hosts, keyed by host or host:port.
	RateLimits      map[string]int `mapstructure:"rate_limits"`
	RateLimitMargin float64        `mapstructure:"rate_limit_margin"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration.
//
// Driver is "libsql" (local file or Turso) or "sqlite" (pure Go, local only).
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// ProfileConfig controls how remote profiles are refreshed.
type ProfileConfig struct {
	// ThrottleWindow is the minimum spacing between fetch attempts for one
	// recipient. Ignored (treated as zero) in debug mode.
	ThrottleWindow time.Duration `mapstructure:"throttle_window"`

	// MaxAttempts bounds the attempts per fetch, counting the first.
	MaxAttempts int `mapstructure:"max_attempts"`

	Backoff BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig selects the delay between failed fetch attempts.
type BackoffConfig struct {
	// Policy is one of: zero, constant, exponential.
	Policy      string        `mapstructure:"policy"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`

	// MaxRetryAfter caps the Retry-After pause a retry waits out.
	MaxRetryAfter time.Duration `mapstructure:"max_retry_after"`
}

// ServiceConfig describes the remote profile service.
type ServiceConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CAFile    string        `mapstructure:"ca_file"`
	CertFile  string        `mapstructure:"cert_file"`
	KeyFile   string        `mapstructure:"key_file"`
	UserAgent string        `mapstructure:"user_agent"`
}

// LoggingConfig contains logging configuration
// Supports progressive logging profiles:
// - SIMPLE: Console output only, minimal configuration (CLI tools)
// - STRUCTURED: Structured sinks, correlation IDs (API services)
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	// Enabled controls whether health endpoints are exposed
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug configuration
type DebugConfig struct {
	// Enabled turns on debug mode. Profile fetches are never throttled in
	// debug mode.
	Enabled bool `mapstructure:"enabled"`
}

// ThrottleWindow returns the effective fetch throttle window.
func (c *Config) ThrottleWindow() time.Duration {
	if c == nil {
		return 0
	}
	if c.Debug.Enabled {
		return 0
	}
	return c.Profile.ThrottleWindow
}
