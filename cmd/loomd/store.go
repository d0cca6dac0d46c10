package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/loom/internal/config"
	"github.com/MikeSquared-Agency/loom/internal/loom"
	"github.com/MikeSquared-Agency/loom/internal/store"
)

// openStore opens the configured node store. The returned close func is
// always safe to call.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (loom.NodeStore, func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is required for the postgres backend")
		}
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("database connected")
		return db, db.Close, nil
	case config.BackendBadger:
		db, err := store.NewBadger(store.BadgerOptions{Dir: cfg.BadgerDir, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("badger store opened", "dir", cfg.BadgerDir)
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}
