// Package cache provides the byte cache engine resources are persisted in
// between loads. Keys are opaque strings chosen by the loader.
package cache

import (
	"context"
	"fmt"
)

// Cache is a persistent key to bytes store. Implementations are safe for
// concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	DBPath     string
	RedisAddr  string
	RedisDB    int
	KeyPrefix  string
	MaxEntries int
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Cache, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemory(opts.MaxEntries)
	case BackendSQLite:
		return NewSQLite(opts.DBPath)
	case BackendRedis:
		return NewRedis(ctx, opts.RedisAddr, opts.RedisDB, opts.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}
