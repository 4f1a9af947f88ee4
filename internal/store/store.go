// Package store provides the client-local durable stores the participant
// engine caches answers in.
package store

import (
	"context"
	"fmt"
	"io"

	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/engine"
)

// Closer is an engine.Store that holds resources.
type Closer interface {
	engine.Store
	io.Closer
}

var (
	_ Closer = (*Memory)(nil)
	_ Closer = (*Redis)(nil)
	_ Closer = (*SQLite)(nil)
)

// Open returns the store selected by the client configuration.
func Open(ctx context.Context, cfg *config.ClientConfig) (Closer, error) {
	switch cfg.AnswerStore {
	case config.StoreMemory:
		return NewMemory(), nil
	case config.StoreRedis:
		return NewRedis(ctx, cfg.RedisURL)
	case config.StoreSQLite:
		return NewSQLite(ctx, cfg.AnswerStorePath)
	default:
		return nil, fmt.Errorf("unknown answer store %q", cfg.AnswerStore)
	}
}
