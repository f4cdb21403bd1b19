package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/keywatch/keywatch/internal/config"
	"github.com/keywatch/keywatch/internal/core/store"
	"github.com/keywatch/keywatch/internal/observability"
)

const doctorChecks = 7

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the installation, the local store and the profile service settings.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := observability.Current()

		logger.Info("=== " + config.AppName + " doctor ===")
		logger.Info("Running diagnostic checks...")

		ok := true
		step := func(n int, label string) string {
			return fmt.Sprintf("[%d/%d] Checking %s...", n, doctorChecks, label)
		}

		goVersion := runtime.Version()
		if goVersion >= "go1.23" {
			logger.Info(step(1, "Go version")+" ✅ "+goVersion, zap.String("go_version", goVersion))
		} else {
			logger.Warn(step(1, "Go version")+" ⚠️  "+goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
			ok = false
		}

		version := crucible.GetVersion()
		if version.Gofulmen != "" && version.Crucible != "" {
			logger.Info(fmt.Sprintf("%s ✅ gofulmen v%s, crucible v%s", step(2, "Gofulmen"), version.Gofulmen, version.Crucible))
		} else {
			logger.Error(step(2, "Gofulmen") + " ❌ version metadata unavailable")
			ok = false
		}

		configPath := config.DefaultConfigPath()
		switch {
		case configPath == "":
			logger.Error(step(3, "config directory") + " ❌ cannot resolve config directory")
			ok = false
		case fileExists(configPath):
			logger.Info(step(3, "config directory")+" ✅ "+configPath, zap.String("config_path", configPath))
		default:
			logger.Warn(step(3, "config directory")+" ⚠️  "+configPath+" (missing; run '"+config.AppName+" doctor init')",
				zap.String("config_path", configPath))
		}

		cfg, cfgErr := loadConfig(ctx)
		if cfgErr != nil {
			logger.Error(step(4, "configuration")+" ❌ invalid", zap.Error(cfgErr))
			logger.Warn(step(5, "database") + " ⚠️  skipped (config not loaded)")
			logger.Warn(step(6, "profile service") + " ⚠️  skipped (config not loaded)")
			logger.Warn(step(7, "fetch throttle") + " ⚠️  skipped (config not loaded)")
			return finishDoctor(logger, false)
		}
		logger.Info(step(4, "configuration") + " ✅ valid")

		if !checkDoctorStore(ctx, logger, cfg, step(5, "database")) {
			ok = false
		}
		if !checkDoctorService(logger, cfg, step(6, "profile service")) {
			ok = false
		}

		window := cfg.ThrottleWindow()
		logger.Info(fmt.Sprintf("%s ✅ window=%s max_attempts=%d backoff=%s", step(7, "fetch throttle"),
			window, cfg.Profile.MaxAttempts, cfg.Profile.Backoff.Policy),
			zap.Duration("throttle_window", window),
			zap.Bool("debug", cfg.Debug.Enabled))

		return finishDoctor(logger, ok)
	},
}

func finishDoctor(logger observability.FieldLogger, ok bool) error {
	if ok {
		logger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", config.AppName))
	} else {
		logger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	logger.Info("=== End Diagnostics ===")
	return nil
}

func checkDoctorStore(ctx context.Context, logger observability.FieldLogger, cfg *config.Config, label string) bool {
	location := describeStore(cfg.Store)

	db, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error(label+" ❌ "+location, zap.Error(err))
		return false
	}
	defer db.Close() //nolint:errcheck

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.DB.PingContext(pingCtx); err != nil {
		logger.Error(label+" ❌ "+location+" (ping failed)", zap.Error(err))
		return false
	}

	identities, err := db.ListIdentities(ctx)
	if err != nil {
		logger.Warn(label+" ⚠️  "+location+" (cannot read identities)", zap.Error(err))
		return false
	}

	attempts, err := db.ListFetchAttempts(ctx, store.AttemptQuery{All: true})
	if err != nil {
		logger.Warn(label+" ⚠️  "+location+" (cannot read fetch attempts)", zap.Error(err))
		return false
	}

	var latest time.Time
	for _, attempt := range attempts {
		if attempt.AttemptedAt.After(latest) {
			latest = attempt.AttemptedAt
		}
	}

	logger.Info(fmt.Sprintf("%s ✅ %s [%s] %d identities, last fetch %s",
		label, location, db.Driver(), len(identities), formatTimeAgo(latest)),
		zap.String("driver", db.Driver()),
		zap.Int("identities", len(identities)),
		zap.Int("tracked_recipients", len(attempts)))
	return true
}

func checkDoctorService(logger observability.FieldLogger, cfg *config.Config, label string) bool {
	baseURL := strings.TrimSpace(cfg.Service.BaseURL)
	if baseURL == "" {
		logger.Error(label + " ❌ base URL not configured (set service.base_url or " + config.EnvPrefix + "SERVICE_URL)")
		return false
	}

	for name, path := range map[string]string{
		"ca_file":   cfg.Service.CAFile,
		"cert_file": cfg.Service.CertFile,
		"key_file":  cfg.Service.KeyFile,
	} {
		if path != "" && !fileExists(path) {
			logger.Error(label+" ❌ "+name+" not found: "+path, zap.String(name, path))
			return false
		}
	}

	credentials := "anonymous"
	if cfg.Service.Username != "" {
		credentials = "basic auth"
	}
	logger.Info(fmt.Sprintf("%s ✅ %s (%s, timeout %s)", label, baseURL, credentials, cfg.Service.Timeout),
		zap.String("base_url", baseURL))
	return true
}

func describeStore(cfg config.StoreConfig) string {
	if cfg.URL != "" {
		return cfg.URL + " (remote)"
	}
	dbPath := cfg.Path
	if dbPath == "" {
		dbPath = config.DefaultStorePath()
	}
	absPath, _ := filepath.Abs(dbPath)
	if info, err := os.Stat(absPath); err == nil {
		return fmt.Sprintf("%s (%s)", absPath, formatFileSize(info.Size()))
	}
	return absPath + " (not created yet)"
}

var (
	doctorInitForce      bool
	doctorInitServiceURL string
	doctorResetConfig    bool
	doctorResetData      bool
	doctorResetAll       bool
	doctorResetYes       bool
)

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}

		if _, err := os.Stat(configPath); err == nil && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}

		if err := os.WriteFile(configPath, []byte(buildInitConfig(doctorInitServiceURL)), 0644); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}

		observability.Current().Info("Config initialized", zap.String("path", configPath))
		return nil
	},
}

var doctorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset user configuration and/or data",
	RunE: func(cmd *cobra.Command, args []string) error {
		if doctorResetAll {
			doctorResetConfig = true
			doctorResetData = true
		}

		if !doctorResetConfig && !doctorResetData {
			return fmt.Errorf("specify --config, --data, or --all")
		}

		if !doctorResetYes && !confirmReset(cmd.ErrOrStderr(), "Remove local keywatch state? [y/N] ") {
			return fmt.Errorf("reset cancelled")
		}

		logger := observability.Current()

		if doctorResetConfig {
			configPath := config.DefaultConfigPath()
			if configPath == "" {
				logger.Warn("Config path not resolved; skipping config reset")
			} else if err := os.Remove(configPath); err == nil {
				logger.Info("Config removed", zap.String("path", configPath))
			} else if os.IsNotExist(err) {
				logger.Info("Config already removed", zap.String("path", configPath))
			} else {
				return fmt.Errorf("remove config file: %w", err)
			}
		}

		if doctorResetData {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Store.URL != "" {
				return fmt.Errorf("remote store configured; database reset is not supported")
			}

			dbPath := cfg.Store.Path
			if dbPath == "" {
				dbPath = config.DefaultStorePath()
			}
			absPath, _ := filepath.Abs(dbPath)
			if err := os.Remove(absPath); err == nil {
				logger.Info("Database removed", zap.String("path", absPath))
			} else if os.IsNotExist(err) {
				logger.Info("Database already removed", zap.String("path", absPath))
			} else {
				return fmt.Errorf("remove database: %w", err)
			}
		}

		return nil
	},
}

var doctorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the current config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd.Context()); err != nil {
			return err
		}

		path := cfgFile
		if path == "" {
			path = config.DefaultConfigPath()
		}
		observability.Current().Info("Config is valid", zap.String("path", path))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.AddCommand(doctorInitCmd)
	doctorCmd.AddCommand(doctorResetCmd)
	doctorCmd.AddCommand(doctorValidateCmd)

	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "overwrite existing config file")
	doctorInitCmd.Flags().StringVar(&doctorInitServiceURL, "service-url", "", "profile service base URL")

	doctorResetCmd.Flags().BoolVar(&doctorResetConfig, "config", false, "remove user config file")
	doctorResetCmd.Flags().BoolVar(&doctorResetData, "data", false, "remove local database")
	doctorResetCmd.Flags().BoolVar(&doctorResetAll, "all", false, "remove config and data")
	doctorResetCmd.Flags().BoolVarP(&doctorResetYes, "yes", "y", false, "skip the confirmation prompt")
}

// formatFileSize returns a human-readable file size
func formatFileSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

// formatTimeAgo returns a human-readable relative time
func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d mins ago", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

func buildInitConfig(serviceURL string) string {
	lines := []string{
		"# " + config.AppName + " config - created by '" + config.AppName + " doctor init'",
		"service:",
	}

	if strings.TrimSpace(serviceURL) != "" {
		lines = append(lines, fmt.Sprintf("  base_url: %q", strings.TrimSpace(serviceURL)))
	} else {
		lines = append(lines, "  # base_url: \"https://profiles.example.com\"  # or set "+config.EnvPrefix+"SERVICE_URL")
	}

	lines = append(lines,
		"  # username and password are read from "+config.EnvPrefix+"SERVICE_USERNAME / "+config.EnvPrefix+"SERVICE_PASSWORD",
		"profile:",
		"  throttle_window: 5m",
		"  max_attempts: 3",
		"  backoff:",
		"    policy: exponential",
		"    interval: 1s",
		"logging:",
		"  level: info",
	)

	return strings.Join(lines, "\n") + "\n"
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
