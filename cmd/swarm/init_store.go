package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"agentswarm/internal/adapter/store"
	"agentswarm/internal/domain"
	"agentswarm/internal/infra/config"
)

// initStore opens the configured key-value backend.
func initStore(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (domain.KVStore, error) {
	switch cfg.Backend {
	case "", "memory":
		log.Warn("using in-memory store; agent state and staged actions are lost on restart")
		return store.NewMemoryStore(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		log.Info("sqlite store opened", "path", cfg.Path)
		return s, nil
	case "redis":
		client, err := store.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		log.Info("redis store connected", "namespace", cfg.Namespace)
		return store.NewRedisStore(client, cfg.Namespace), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
