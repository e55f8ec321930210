// Package backends opens the configured user store implementation.
package backends

import (
	"context"
	"fmt"

	"github.com/knightbot/knightbot/internal/store"
	"github.com/knightbot/knightbot/internal/store/file"
	"github.com/knightbot/knightbot/internal/store/redisstore"
	"github.com/knightbot/knightbot/internal/store/sqlstore"
)

// OpenUsers returns the user store selected by cfg.Backend. An empty
// backend means the JSON file store.
func OpenUsers(ctx context.Context, cfg store.StoreConfig) (store.UserStore, error) {
	switch cfg.Backend {
	case "", store.BackendFile:
		s, err := file.NewFileUserStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case store.BackendSQLite:
		s, err := sqlstore.Open(ctx, store.BackendSQLite, cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case store.BackendPostgres:
		s, err := sqlstore.Open(ctx, store.BackendPostgres, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case store.BackendRedis:
		s, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown user store backend %q", cfg.Backend)
	}
}
