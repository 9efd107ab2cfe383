package store

import (
	"context"
	"fmt"
	"strings"

	configpkg "github.com/drblury/imbus/internal/runtime/config"
	errspkg "github.com/drblury/imbus/internal/runtime/errors"
)

// Open builds the store selected by conf.StoreDriver.
func Open(ctx context.Context, conf *configpkg.Config) (Store, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	switch strings.ToLower(conf.StoreDriver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(ctx, conf.SQLiteFile)
	case "postgres":
		return NewPostgres(ctx, conf.PostgresURL, PostgresOptions{})
	default:
		return nil, fmt.Errorf("store: unknown driver %q", conf.StoreDriver)
	}
}
