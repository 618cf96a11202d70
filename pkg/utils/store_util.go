package utils

import (
	"context"
	"fmt"

	"live-bidding/internal/config"
	"live-bidding/internal/domain/repositories"
	"live-bidding/internal/infrastructure/memory"
	"live-bidding/internal/infrastructure/mysql"
	"live-bidding/pkg/logger"
)

// OpenStore builds the authoritative store named by cfg.Store.Driver. The
// returned close func is never nil.
func OpenStore(ctx context.Context, cfg *config.Config, log logger.Logger) (repositories.Store, func() error, error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn("Using in-memory store; state is local to this process")
		return memory.NewStore(), func() error { return nil }, nil
	case "mysql":
		db, err := InitializeMysql(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := mysql.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		log.Info("Connected to MySQL")
		return mysql.NewStore(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
