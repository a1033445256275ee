package store

import (
	"context"
	"fmt"

	"github.com/austindbirch/harbor_notify/internal/config"
	"github.com/austindbirch/harbor_notify/internal/db"
)

// Open builds the store selected by cfg.DB.Driver. Postgres connections are
// migrated before use.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.DB.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.DB.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, unavailable("connect postgres", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return NewPostgres(pool), nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
}
