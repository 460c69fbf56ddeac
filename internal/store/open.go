package store

import (
	"context"
	"fmt"
)

// Open connects to the backend named by cfg.Driver and prepares its schema.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return NewSQLite(cfg.DSN)
	case DriverPostgres:
		return NewPostgres(ctx, cfg.DSN)
	case DriverMongo:
		return NewMongo(ctx, cfg.DSN, cfg.Database)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
