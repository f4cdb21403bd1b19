// Package config provides centralized configuration management for keywatch.
//
// Layers, lowest precedence first:
//  1. Built-in defaults (SetDefaults)
//  2. The YAML config file read by viper
//  3. KEYWATCH_* environment variables
//  4. Runtime overrides
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names the config and data directories.
	AppName = "keywatch"

	// EnvPrefix prefixes every environment variable override.
	EnvPrefix = "KEYWATCH_"
)

// Backoff policies accepted in profile.backoff.policy.
const (
	BackoffZero        = "zero"
	BackoffConstant    = "constant"
	BackoffExponential = "exponential"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	if v == nil {
		v = viper.GetViper()
	}

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	// Profile refresh defaults
	v.SetDefault("profile.throttle_window", "5m")
	v.SetDefault("profile.max_attempts", 3)
	v.SetDefault("profile.backoff.policy", BackoffZero)
	v.SetDefault("profile.backoff.interval", "1s")
	v.SetDefault("profile.backoff.max_interval", "30s")
	v.SetDefault("profile.backoff.max_retry_after", "1m")

	// Profile service defaults
	v.SetDefault("service.base_url", "")
	v.SetDefault("service.username", "")
	v.SetDefault("service.password", "")
	v.SetDefault("service.timeout", "15s")
	v.SetDefault("service.ca_file", "")
	v.SetDefault("service.cert_file", "")
	v.SetDefault("service.key_file", "")
	v.SetDefault("service.user_agent", "keywatch")

	// Rate limit overrides (optional)
	v.SetDefault("rate_limits", map[string]int{})
	v.SetDefault("rate_limit_margin", 0.9)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	// Debug defaults
	v.SetDefault("debug.enabled", false)
}

// Load builds the configuration from v (the global viper instance when nil),
// environment variables, and runtime overrides.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, v *viper.Viper, runtimeOverrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v == nil {
		v = viper.GetViper()
	}

	merged := v.AllSettings()

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if value := strings.TrimSpace(os.Getenv(EnvPrefix + "RATE_LIMIT_MARGIN")); value != "" {
		margin, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit margin: %w", err)
		}
		envOverrides["rate_limit_margin"] = margin
	}

	mergeSettings(merged, envOverrides)
	for _, overrides := range runtimeOverrides {
		mergeSettings(merged, overrides)
	}

	// Unmarshal into typed config struct
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Store the loaded config
	setConfig(cfg)

	return cfg, nil
}

// Validate rejects settings the refresh pipeline cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Profile.ThrottleWindow < 0 {
		return fmt.Errorf("profile.throttle_window must not be negative")
	}
	if c.Profile.MaxAttempts < 1 {
		return fmt.Errorf("profile.max_attempts must be at least 1")
	}

	switch strings.ToLower(strings.TrimSpace(c.Profile.Backoff.Policy)) {
	case "", BackoffZero:
	case BackoffConstant, BackoffExponential:
		if c.Profile.Backoff.Interval <= 0 {
			return fmt.Errorf("profile.backoff.interval must be positive for %s backoff", c.Profile.Backoff.Policy)
		}
	default:
		return fmt.Errorf("unknown profile.backoff.policy %q", c.Profile.Backoff.Policy)
	}

	if c.Profile.Backoff.MaxRetryAfter < 0 {
		return fmt.Errorf("profile.backoff.max_retry_after must not be negative")
	}

	if c.RateLimitMargin < 0 || c.RateLimitMargin > 1 {
		return fmt.Errorf("rate_limit_margin must be between 0 and 1")
	}
	if c.Service.Timeout < 0 {
		return fmt.Errorf("service.timeout must not be negative")
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps KEYWATCH_{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	prefix := EnvPrefix

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		// Profile refresh config
		{Name: prefix + "THROTTLE_WINDOW", Path: []string{"profile", "throttle_window"}, Type: EnvString},
		{Name: prefix + "MAX_ATTEMPTS", Path: []string{"profile", "max_attempts"}, Type: EnvInt},
		{Name: prefix + "BACKOFF_POLICY", Path: []string{"profile", "backoff", "policy"}, Type: EnvString},
		{Name: prefix + "BACKOFF_INTERVAL", Path: []string{"profile", "backoff", "interval"}, Type: EnvString},

		// Profile service config
		{Name: prefix + "SERVICE_URL", Path: []string{"service", "base_url"}, Type: EnvString},
		{Name: prefix + "SERVICE_USERNAME", Path: []string{"service", "username"}, Type: EnvString},
		{Name: prefix + "SERVICE_PASSWORD", Path: []string{"service", "password"}, Type: EnvString},
		{Name: prefix + "SERVICE_TIMEOUT", Path: []string{"service", "timeout"}, Type: EnvString},
		{Name: prefix + "SERVICE_CA_FILE", Path: []string{"service", "ca_file"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},

		// Debug config
		{Name: prefix + "DEBUG_ENABLED", Path: []string{"debug", "enabled"}, Type: EnvBool},
	}
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// ConfigPaths returns the directories searched for config.yaml.
func ConfigPaths() []string {
	return gfconfig.GetAppConfigPaths(AppName)
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}

// mergeSettings deep-merges src into dst. Nested maps merge key by key;
// other values replace.
func mergeSettings(dst, src map[string]any) {
	for key, value := range src {
		key = strings.ToLower(key)
		srcMap, srcIsMap := toSettingsMap(value)
		if srcIsMap {
			if dstMap, ok := toSettingsMap(dst[key]); ok {
				mergeSettings(dstMap, srcMap)
				dst[key] = dstMap
				continue
			}
			copied := map[string]any{}
			mergeSettings(copied, srcMap)
			dst[key] = copied
			continue
		}
		dst[key] = value
	}
}

func toSettingsMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case map[string]string:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = v
		}
		return out, true
	case map[string]int:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = v
		}
		return out, true
	default:
		return nil, false
	}
}

// ReloadInterval is how long the watcher waits for writes to settle before
// reloading a changed config file.
const ReloadInterval = 250 * time.Millisecond
