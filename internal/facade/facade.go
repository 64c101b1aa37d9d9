// Package facade decorates an engine adapter with the policies callers see:
// consent gating, capability checks, single-flight loading, the middleware
// pipeline and stale-result filtering.
package facade

import (
	"context"
	"log/slog"
	"runtime"
	"slices"
	"sort"
	"sync"
	"weak"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/enginebridge/internal/adapter"
	"github.com/seantiz/enginebridge/internal/capability"
	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/events"
	"github.com/seantiz/enginebridge/internal/middleware"
	"github.com/seantiz/enginebridge/internal/model"
	"github.com/seantiz/enginebridge/internal/notify"
)

// AutoValue in a recommended option is replaced by a host-derived value.
const AutoValue = "auto"

// LoaderProvider returns the shared resource loader, creating it on first use.
type LoaderProvider func() adapter.ResourceLoader

// Facade is safe for concurrent use. Many facades may share one adapter.
type Facade struct {
	ad     *adapter.Adapter
	chain  *middleware.Chain
	loader LoaderProvider
	prober capability.Prober
	broker *events.Broker
	logger *slog.Logger
	owns   bool

	loads singleflight.Group

	// searchMu keeps PositionID order and adapter search order the same.
	searchMu sync.Mutex
	// delivery is held for reading while a search's output is checked for
	// staleness and handed to listeners, and for writing when a new search
	// becomes active.
	delivery sync.RWMutex

	mu        sync.Mutex
	activePos string
	hidden    bool
	disposed  bool
	consented bool
	gate      *consentGate
	unsubs    []func()

	statusL    notify.Set[model.Status]
	infoL      notify.Set[model.Info]
	resultL    notify.Set[model.Result]
	progressL  notify.Set[model.Progress]
	telemetryL notify.Set[events.Telemetry]
}

type consentGate struct {
	ch  chan struct{}
	err error
}

// Option configures a Facade.
type Option func(*Facade)

// WithMiddleware sets the middleware pipeline.
func WithMiddleware(c *middleware.Chain) Option {
	return func(f *Facade) { f.chain = c }
}

// WithLoader sets the loader provider.
func WithLoader(p LoaderProvider) Option {
	return func(f *Facade) { f.loader = p }
}

// WithProber sets the capability prober. Defaults to capability.Host.
func WithProber(p capability.Prober) Option {
	return func(f *Facade) { f.prober = p }
}

// WithBroker publishes the facade's events to b.
func WithBroker(b *events.Broker) Option {
	return func(f *Facade) { f.broker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) { f.logger = l }
}

// Owning makes Dispose also stop and dispose the adapter and revoke the
// engine's resources.
func Owning() Option {
	return func(f *Facade) { f.owns = true }
}

// New wraps ad.
func New(ad *adapter.Adapter, opts ...Option) *Facade {
	f := &Facade{
		ad:     ad,
		prober: capability.Host{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	if f.chain == nil {
		f.chain = middleware.NewChain()
	}
	f.logger = f.logger.With("engine_id", ad.ID())

	// The adapter only holds the facade weakly, so an abandoned facade can
	// be collected and its bridges removed.
	wp := weak.Make(f)
	f.unsubs = []func(){
		ad.OnStatus(func(s model.Status) {
			if f := wp.Value(); f != nil {
				f.statusL.Emit(s)
				f.publish(events.TypeStatus, s)
			}
		}),
		ad.OnProgress(func(p model.Progress) {
			if f := wp.Value(); f != nil {
				f.progressL.Emit(p)
				f.publish(events.TypeProgress, p)
			}
		}),
	}
	runtime.AddCleanup(f, func(unsubs []func()) {
		for _, u := range unsubs {
			u()
		}
	}, slices.Clone(f.unsubs))
	return f
}

// ID returns the engine id.
func (f *Facade) ID() string { return f.ad.ID() }

// Config returns the engine configuration.
func (f *Facade) Config() model.EngineConfig { return f.ad.Config() }

// Status returns the engine status, reporting awaiting-consent while a load
// waits on the consent gate.
func (f *Facade) Status() model.Status {
	f.mu.Lock()
	waiting := f.gate != nil
	f.mu.Unlock()
	if waiting {
		return model.StatusAwaitingConsent
	}
	return f.ad.Status()
}

// Err returns the error that last drove the engine to StatusError.
func (f *Facade) Err() error { return f.ad.Err() }

// OnStatus registers fn for status changes.
func (f *Facade) OnStatus(fn func(model.Status)) (unsubscribe func()) { return f.statusL.Add(fn) }

// OnInfo registers fn for info reports of the current search, after
// middleware. fn must not start a search on this facade synchronously.
func (f *Facade) OnInfo(fn func(model.Info)) (unsubscribe func()) { return f.infoL.Add(fn) }

// OnResult registers fn for results of searches that were not superseded.
// fn must not start a search on this facade synchronously.
func (f *Facade) OnResult(fn func(model.Result)) (unsubscribe func()) { return f.resultL.Add(fn) }

// OnProgress registers fn for load progress.
func (f *Facade) OnProgress(fn func(model.Progress)) (unsubscribe func()) { return f.progressL.Add(fn) }

// OnTelemetry registers fn for per-search telemetry.
func (f *Facade) OnTelemetry(fn func(events.Telemetry)) (unsubscribe func()) {
	return f.telemetryL.Add(fn)
}

// Load passes the consent gate and the capability check, then loads the
// adapter once no matter how many callers wait on it.
func (f *Facade) Load(ctx context.Context) error {
	if f.isDisposed() {
		return enginerr.New(enginerr.KindNotReady, "load", "facade disposed").WithEngine(f.ID())
	}
	cfg := f.ad.Config()
	if cfg.RequiresConsent() {
		if err := f.awaitConsent(ctx); err != nil {
			return err
		}
	}
	caps, err := f.prober.Probe(ctx)
	if err != nil {
		return enginerr.Normalize("probe capabilities", f.ID(), err)
	}
	if name, missing := capability.Missing(caps, cfg.RequiredCapabilities); missing {
		return enginerr.New(enginerr.KindSecurity, "load", "required capability %q is unavailable", name).
			WithEngine(f.ID()).
			WithHint("run on a host that provides " + name)
	}
	if f.loader == nil {
		return enginerr.Internal("load", "no resource loader").WithEngine(f.ID())
	}

	// The shared load must not die with the first caller's context.
	shared := context.WithoutCancel(ctx)
	ch := f.loads.DoChan("load", func() (any, error) {
		if err := f.ad.Load(shared, f.loader()); err != nil {
			return nil, err
		}
		f.applyRecommended(shared, caps)
		return nil, nil
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return enginerr.Wrap(enginerr.KindOf(ctx.Err()), "load", ctx.Err()).WithEngine(f.ID())
	}
}

// awaitConsent blocks until GrantConsent or DeclineConsent. A granted
// consent is remembered for later loads.
func (f *Facade) awaitConsent(ctx context.Context) error {
	f.mu.Lock()
	if f.consented {
		f.mu.Unlock()
		return nil
	}
	g := f.gate
	opened := g == nil
	if opened {
		g = &consentGate{ch: make(chan struct{})}
		f.gate = g
	}
	f.mu.Unlock()
	if opened {
		f.logger.Info("waiting for consent")
		f.statusL.Emit(model.StatusAwaitingConsent)
		f.publish(events.TypeStatus, model.StatusAwaitingConsent)
	}

	select {
	case <-g.ch:
		return g.err
	case <-ctx.Done():
		return enginerr.Wrap(enginerr.KindOf(ctx.Err()), "consent", ctx.Err()).WithEngine(f.ID())
	}
}

// GrantConsent releases loads waiting on the consent gate.
func (f *Facade) GrantConsent() {
	f.settleConsent(true, nil)
}

// DeclineConsent fails loads waiting on the consent gate.
func (f *Facade) DeclineConsent() {
	f.settleConsent(false, enginerr.New(enginerr.KindAborted, "consent", "user declined the engine terms").WithEngine(f.ID()))
}

func (f *Facade) settleConsent(granted bool, err error) {
	f.mu.Lock()
	if granted {
		f.consented = true
	}
	g := f.gate
	f.gate = nil
	f.mu.Unlock()
	if g == nil {
		return
	}
	g.err = err
	close(g.ch)
	s := f.ad.Status()
	f.statusL.Emit(s)
	f.publish(events.TypeStatus, s)
}

// applyRecommended sends the engine's recommended options, resolving
// "auto" to a thread count for this host. Failures are logged.
func (f *Facade) applyRecommended(ctx context.Context, caps map[string]bool) {
	opts := f.ad.Config().RecommendedOptions
	names := make([]string, 0, len(opts))
	for n := range opts {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		value := opts[name]
		if value == AutoValue {
			value = capability.ThreadCount(caps)
		}
		if err := f.ad.SetOption(ctx, name, value); err != nil {
			f.logger.Warn("recommended option not applied", "option", name, "error", err)
		}
	}
}

// SetOption sends an engine option.
func (f *Facade) SetOption(ctx context.Context, name, value string) error {
	return f.ad.SetOption(ctx, name, value)
}

// Stop halts the current search.
func (f *Facade) Stop(ctx context.Context) error {
	return f.ad.Stop(ctx)
}

// SetVisible records host visibility. Becoming hidden stops a busy search.
func (f *Facade) SetVisible(ctx context.Context, visible bool) error {
	f.mu.Lock()
	f.hidden = !visible
	f.mu.Unlock()
	if !visible && f.ad.Status() == model.StatusBusy {
		f.logger.Info("host hidden, stopping search")
		return f.ad.Stop(ctx)
	}
	return nil
}

// Hidden reports whether the host was last reported hidden.
func (f *Facade) Hidden() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hidden
}

// Dispose detaches the facade from its adapter. An owning facade also stops
// and disposes the adapter and revokes the engine's resources. It is
// idempotent.
func (f *Facade) Dispose(ctx context.Context) error {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return nil
	}
	f.disposed = true
	f.activePos = ""
	unsubs := f.unsubs
	f.unsubs = nil
	g := f.gate
	f.gate = nil
	f.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if g != nil {
		g.err = enginerr.New(enginerr.KindAborted, "consent", "facade disposed").WithEngine(f.ID())
		close(g.ch)
	}

	var err error
	if f.owns {
		if serr := f.ad.Stop(ctx); serr != nil {
			f.logger.Warn("stop before dispose failed", "error", serr)
		}
		err = f.ad.Dispose(ctx)
		if f.loader != nil {
			n := f.loader().RevokeByEngineID(f.ID())
			f.logger.Debug("revoked engine resources", "count", n)
		}
		if f.broker != nil {
			f.broker.Close(f.ID())
		}
	}

	f.statusL.Clear()
	f.infoL.Clear()
	f.resultL.Clear()
	f.progressL.Clear()
	f.telemetryL.Clear()
	return err
}

func (f *Facade) isDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

func (f *Facade) publish(typ string, data any) {
	if f.broker != nil {
		f.broker.Emit(f.ID(), typ, data)
	}
}
