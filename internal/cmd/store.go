package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/keywatch/keywatch/internal/config"
	"github.com/keywatch/keywatch/internal/core/store"
)

func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg == nil {
		var err error
		if cfg, err = loadConfig(ctx); err != nil {
			return nil, err
		}
	}

	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
