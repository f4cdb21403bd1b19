package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/keywatch/keywatch/internal/config"
	"github.com/keywatch/keywatch/internal/core/engine"
	"github.com/keywatch/keywatch/internal/metrics"
	"github.com/keywatch/keywatch/internal/observability"
)

// configReloader applies config file changes to a running server. Only the
// throttle window is hot-reloadable; other settings need a restart.
type configReloader struct {
	viper    *viper.Viper
	throttle *engine.FetchThrottle
	logger   observability.FieldLogger
	delay    time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func newConfigReloader(v *viper.Viper, throttle *engine.FetchThrottle, logger observability.FieldLogger) *configReloader {
	return &configReloader{
		viper:    v,
		throttle: throttle,
		logger:   logger,
		delay:    config.ReloadInterval,
	}
}

// Reload re-reads the config file and applies it.
func (r *configReloader) Reload(ctx context.Context) error {
	if r.viper.ConfigFileUsed() != "" {
		if err := r.viper.ReadInConfig(); err != nil {
			metrics.RecordConfigReload(false)
			r.logger.Error("Failed to reload config file",
				zap.String("file", r.viper.ConfigFileUsed()),
				zap.Error(err))
			return err
		}
	}

	cfg, err := config.Load(ctx, r.viper)
	if err != nil {
		metrics.RecordConfigReload(false)
		r.logger.Error("Reloaded config is invalid; keeping current settings", zap.Error(err))
		return err
	}

	previous := r.throttle.Window()
	window := cfg.ThrottleWindow()
	r.throttle.SetWindow(window)
	metrics.RecordConfigReload(true)

	r.logger.Info("Configuration reloaded",
		zap.String("file", r.viper.ConfigFileUsed()),
		zap.Duration("throttle_window", window),
		zap.Duration("previous_throttle_window", previous))
	return nil
}

// OnConfigChange debounces file system events into a single Reload.
func (r *configReloader) OnConfigChange(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.delay, func() {
		_ = r.Reload(context.Background())
	})
}

// Stop cancels a pending debounced reload.
func (r *configReloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
