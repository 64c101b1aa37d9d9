// Package bridge is the registry of engine adapters. It hands out facades
// with the middleware that applies to each engine and owns the loader the
// engines share.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"weak"

	"github.com/seantiz/enginebridge/internal/adapter"
	"github.com/seantiz/enginebridge/internal/capability"
	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/events"
	"github.com/seantiz/enginebridge/internal/facade"
	"github.com/seantiz/enginebridge/internal/loader"
	"github.com/seantiz/enginebridge/internal/middleware"
	"github.com/seantiz/enginebridge/internal/model"
	"github.com/seantiz/enginebridge/internal/protocol"
)

// EngineInfo describes a registered engine.
type EngineInfo struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name,omitempty"`
	Protocol             string       `json:"protocol"`
	Status               model.Status `json:"status"`
	RequiresConsent      bool         `json:"requires_consent"`
	Disclaimer           string       `json:"disclaimer,omitempty"`
	LicenseURL           string       `json:"license_url,omitempty"`
	RequiredCapabilities []string     `json:"required_capabilities,omitempty"`
}

// Bridge is safe for concurrent use.
type Bridge struct {
	mu       sync.RWMutex
	adapters map[string]*adapter.Adapter

	chain *middleware.Chain

	liveMu sync.Mutex
	live   []weak.Pointer[facade.Facade]

	loaderMu  sync.Mutex
	ld        *loader.Loader
	newLoader func() *loader.Loader

	prober capability.Prober
	broker *events.Broker
	logger *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLoaderFactory sets how the shared loader is built on first use.
func WithLoaderFactory(fn func() *loader.Loader) Option {
	return func(b *Bridge) { b.newLoader = fn }
}

// WithProber sets the capability prober handed to facades.
func WithProber(p capability.Prober) Option {
	return func(b *Bridge) { b.prober = p }
}

// WithBroker publishes every facade's events to br.
func WithBroker(br *events.Broker) Option {
	return func(b *Bridge) { b.broker = br }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New creates an empty bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		adapters: make(map[string]*adapter.Adapter),
		chain:    middleware.NewChain(),
		prober:   capability.Host{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.newLoader == nil {
		logger := b.logger
		b.newLoader = func() *loader.Loader { return loader.New(nil, loader.WithLogger(logger)) }
	}
	return b
}

// Register builds an adapter for cfg with the parser its protocol names and
// registers it.
func (b *Bridge) Register(ctx context.Context, cfg model.EngineConfig, opts ...adapter.Option) (*adapter.Adapter, error) {
	parser, err := protocol.For(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	opts = append([]adapter.Option{adapter.WithLogger(b.logger)}, opts...)
	ad, err := adapter.New(cfg, parser, opts...)
	if err != nil {
		return nil, err
	}
	b.RegisterAdapter(ctx, ad)
	return ad, nil
}

// RegisterAdapter adds ad under its engine id. An adapter already registered
// under that id is disposed first.
func (b *Bridge) RegisterAdapter(ctx context.Context, ad *adapter.Adapter) {
	b.mu.Lock()
	prev := b.adapters[ad.ID()]
	b.adapters[ad.ID()] = ad
	b.mu.Unlock()

	if b.broker != nil {
		b.broker.Reopen(ad.ID())
	}
	if prev != nil && prev != ad {
		if err := prev.Dispose(ctx); err != nil {
			b.logger.Warn("disposing replaced engine", "engine_id", ad.ID(), "error", err)
		}
		b.logger.Info("engine replaced", "engine_id", ad.ID())
		return
	}
	b.logger.Info("engine registered", "engine_id", ad.ID(), "protocol", ad.Parser().Name())
}

// Adapter returns the adapter registered under id.
func (b *Bridge) Adapter(id string) (*adapter.Adapter, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ad, ok := b.adapters[id]
	return ad, ok
}

// GetEngine returns a new facade over the adapter registered under id, with
// the global middleware and the middleware whose allow-list names id.
func (b *Bridge) GetEngine(id string, opts ...facade.Option) (*facade.Facade, error) {
	ad, ok := b.Adapter(id)
	if !ok {
		return nil, enginerr.Validation("get engine", "engine %q is not registered", id)
	}
	opts = append([]facade.Option{
		facade.WithMiddleware(b.chain.For(id)),
		facade.WithLoader(b.Loader),
		facade.WithProber(b.prober),
		facade.WithBroker(b.broker),
		facade.WithLogger(b.logger),
	}, opts...)
	f := facade.New(ad, opts...)

	b.liveMu.Lock()
	b.live = append(b.live, weak.Make(f))
	b.liveMu.Unlock()
	return f, nil
}

// Use adds or replaces middleware. Facades created afterwards see it.
func (b *Bridge) Use(mw middleware.Middleware) {
	b.chain.Use(mw)
}

// Middleware returns the registered middleware in run order.
func (b *Bridge) Middleware() []middleware.Middleware {
	return b.chain.List()
}

// LiveEngines returns how many facades handed out are still reachable,
// forgetting the ones that were collected.
func (b *Bridge) LiveEngines() int {
	b.liveMu.Lock()
	defer b.liveMu.Unlock()
	b.live = pruneDead(b.live)
	return len(b.live)
}

func pruneDead(ps []weak.Pointer[facade.Facade]) []weak.Pointer[facade.Facade] {
	out := ps[:0]
	for _, p := range ps {
		if p.Value() != nil {
			out = append(out, p)
		}
	}
	clear(ps[len(out):])
	return out
}

// Loader returns the shared loader, creating it on first use.
func (b *Bridge) Loader() adapter.ResourceLoader {
	return b.sharedLoader()
}

func (b *Bridge) sharedLoader() *loader.Loader {
	b.loaderMu.Lock()
	defer b.loaderMu.Unlock()
	if b.ld == nil {
		b.ld = b.newLoader()
	}
	return b.ld
}

// List returns every registered engine, sorted by id.
func (b *Bridge) List() []EngineInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]EngineInfo, 0, len(b.adapters))
	for _, ad := range b.adapters {
		cfg := ad.Config()
		infos = append(infos, EngineInfo{
			ID:                   cfg.ID,
			Name:                 cfg.Name,
			Protocol:             ad.Parser().Name(),
			Status:               ad.Status(),
			RequiresConsent:      cfg.RequiresConsent(),
			Disclaimer:           cfg.Disclaimer,
			LicenseURL:           cfg.LicenseURL,
			RequiredCapabilities: cfg.RequiredCapabilities,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Dispose disposes every adapter, continuing past individual failures, and
// then always releases the shared loader. The returned error joins the
// individual failures.
func (b *Bridge) Dispose(ctx context.Context) error {
	b.mu.Lock()
	adapters := b.adapters
	b.adapters = make(map[string]*adapter.Adapter)
	b.mu.Unlock()

	var errs []error
	for id, ad := range adapters {
		if err := disposeSafely(ctx, ad); err != nil {
			b.logger.Error("disposing engine", "engine_id", id, "error", err)
			errs = append(errs, err)
		}
		if b.broker != nil {
			b.broker.Close(id)
		}
	}

	b.loaderMu.Lock()
	ld := b.ld
	b.ld = nil
	b.loaderMu.Unlock()
	if ld != nil {
		ld.RevokeAll()
		if err := ld.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func disposeSafely(ctx context.Context, ad *adapter.Adapter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = enginerr.Internal("dispose", "panic: %v", r).WithEngine(ad.ID())
		}
	}()
	return ad.Dispose(ctx)
}
