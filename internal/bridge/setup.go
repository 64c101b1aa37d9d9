package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/seantiz/enginebridge/internal/adapter"
	"github.com/seantiz/enginebridge/internal/cache"
	"github.com/seantiz/enginebridge/internal/config"
	"github.com/seantiz/enginebridge/internal/loader"
)

// Open builds a bridge from cfg: the resource cache, the loader factory and
// every engine of the catalogue at cfg.EnginesFile. A missing catalogue
// yields an empty bridge. The returned close func disposes the bridge and
// then closes the cache.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Bridge, func(context.Context) error, error) {
	store, err := cache.Open(ctx, cfg.Cache)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache: %w", err)
	}

	newLoader := func() *loader.Loader {
		return loader.New(store,
			loader.WithProduction(cfg.Production),
			loader.WithFetchTimeout(cfg.FetchTimeout),
			loader.WithLogger(logger))
	}
	opts = append([]Option{WithLoaderFactory(newLoader), WithLogger(logger)}, opts...)
	b := New(opts...)

	closeAll := func(ctx context.Context) error {
		return errors.Join(b.Dispose(ctx), store.Close())
	}

	engines, err := config.LoadEngines(cfg.EnginesFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("engine catalogue not found, starting empty", "path", cfg.EnginesFile)
	case err != nil:
		closeAll(ctx)
		return nil, nil, err
	}

	adapterOpts := []adapter.Option{
		adapter.WithOrigin(cfg.Origin),
		adapter.WithLogger(logger),
	}
	if cfg.HandshakeTimeout > 0 {
		adapterOpts = append(adapterOpts, adapter.WithHandshakeTimeout(cfg.HandshakeTimeout))
	}
	if cfg.DrainTimeout > 0 {
		adapterOpts = append(adapterOpts, adapter.WithDrainTimeout(cfg.DrainTimeout))
	}
	for _, ec := range engines {
		if _, err := b.Register(ctx, ec, adapterOpts...); err != nil {
			closeAll(ctx)
			return nil, nil, fmt.Errorf("register %s: %w", ec.ID, err)
		}
	}
	logger.Info("engines registered", "count", len(engines), "cache", cfg.Cache.Backend)
	return b, closeAll, nil
}
