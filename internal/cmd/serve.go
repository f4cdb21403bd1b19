package cmd

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/keywatch/keywatch/internal/config"
	apperrors "github.com/keywatch/keywatch/internal/errors"
	"github.com/keywatch/keywatch/internal/metrics"
	"github.com/keywatch/keywatch/internal/observability"
	"github.com/keywatch/keywatch/internal/server"
	"github.com/keywatch/keywatch/internal/server/handlers"
)

const uptimeInterval = 15 * time.Second

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return apperrors.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// serviceHealthChecker reports the profile service settings as unhealthy
// when the base URL is missing.
type serviceHealthChecker struct {
	baseURL string
}

func (s serviceHealthChecker) CheckHealth(ctx context.Context) error {
	if strings.TrimSpace(s.baseURL) == "" {
		return apperrors.NewConfigInvalidError("profile service base URL not configured")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with graceful shutdown support.

The server accepts refresh requests for threads and recipients and runs
them through the throttled fetch coordinator.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload (throttle window)

Config file edits are picked up automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}

		logLevel := cfg.Logging.Level
		if verbose {
			logLevel = "debug"
		}
		observability.InitServerLogger(observability.ServerLoggerOptions{
			Service:   config.AppName,
			Level:     logLevel,
			Namespace: config.AppName,
		})
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port, config.AppName); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return apperrors.Wrap(ctx, apperrors.CodeInternal, err, "metrics initialization failed")
			}
		}

		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}

		p, err := newPipeline(ctx, cfg, db, pipelineOptions{Logger: logger})
		if err != nil {
			_ = db.Close()
			return err
		}

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.Duration("throttle_window", cfg.ThrottleWindow()),
			zap.Int("max_attempts", cfg.Profile.MaxAttempts))

		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("store", handlers.PingChecker(db.DB))
		hm.RegisterChecker("profile_service", serviceHealthChecker{baseURL: cfg.Service.BaseURL})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		srv := server.New(server.Options{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
			Refresher:    p.Coordinator,
			Store:        db,
			AdminToken:   os.Getenv(config.EnvPrefix + "ADMIN_TOKEN"),
		})

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}

		reloader := newConfigReloader(viper.GetViper(), p.Throttle, logger)

		// Shutdown handlers run LIFO.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			reloader.Stop()
			p.Close()
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close store", zap.Error(err))
			}
			if err := observability.StopMetrics(); err != nil {
				logger.Warn("Failed to stop metrics exporter", zap.Error(err))
			}
			logger.Info("Fetch pipeline drained")
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return apperrors.Wrap(ctx, apperrors.CodeInternal, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: reloading config")
			if err := reloader.Reload(ctx); err != nil {
				return apperrors.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		if viper.ConfigFileUsed() != "" {
			viper.OnConfigChange(reloader.OnConfigChange)
			viper.WatchConfig()
			logger.Debug("Watching config file", zap.String("path", viper.ConfigFileUsed()))
		}

		started := time.Now()
		metrics.SetServerStartTime(started.Unix())

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			defer cancel()
			logger.Info("Starting HTTP server...", zap.String("addr", srv.Addr()))
			return srv.Start()
		})

		g.Go(func() error {
			if err := signals.Listen(gctx); err != nil && gctx.Err() == nil {
				logger.Error("Signal handler error", zap.Error(err))
				return err
			}
			return nil
		})

		g.Go(func() error {
			ticker := time.NewTicker(uptimeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case now := <-ticker.C:
					metrics.SetServerUptime(int64(now.Sub(started).Seconds()))
				}
			}
		})

		if err := g.Wait(); err != nil {
			return apperrors.Wrap(ctx, apperrors.CodeInternal, err, "server error")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
