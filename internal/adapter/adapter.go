// Package adapter runs one engine: its lifecycle state machine, its channel
// and at most one outstanding search. Engine families differ only in the
// injected protocol.Parser.
package adapter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/enginebridge/internal/communicator"
	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/loader"
	"github.com/seantiz/enginebridge/internal/model"
	"github.com/seantiz/enginebridge/internal/notify"
	"github.com/seantiz/enginebridge/internal/protocol"
	"github.com/seantiz/enginebridge/internal/task"
	"github.com/seantiz/enginebridge/internal/transport"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultInjectTimeout    = 10 * time.Second
	DefaultDrainTimeout     = time.Second
)

// Progress weights per load phase, in percent.
const (
	progressResourcesEnd = 70
	progressChannel      = 75
	progressInject       = 85
	progressHandshake    = 90
	progressReady        = 100
)

// ResourceLoader is the part of loader.Loader an adapter needs.
type ResourceLoader interface {
	LoadResources(ctx context.Context, engineID string, sources map[string]model.SourceConfig, progress loader.ProgressFunc) (map[string]*loader.Handle, error)
	Revoke(h *loader.Handle)
	RevokeByEngineID(engineID string) int
}

// Adapter is safe for concurrent use.
type Adapter struct {
	cfg    model.EngineConfig
	parser protocol.Parser
	logger *slog.Logger

	dialer           transport.Dialer
	origin           string
	handshakeTimeout time.Duration
	injectTimeout    time.Duration
	drainTimeout     time.Duration

	// searchMu serializes Search so that superseding is never interleaved.
	searchMu sync.Mutex

	mu      sync.Mutex
	status  model.Status
	lastErr *enginerr.Error
	comm    *communicator.Communicator
	unsub   func()
	ld      ResourceLoader
	handles map[string]*loader.Handle
	current *task.Task
	stale   int
	drained chan struct{}
	// abortLoad ends the handshake wait when the engine fails mid-load.
	abortLoad context.CancelCauseFunc

	statusL   notify.Set[model.Status]
	infoL     notify.Set[model.Info]
	resultL   notify.Set[model.Result]
	progressL notify.Set[model.Progress]
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDialer sets how channels are opened.
func WithDialer(d transport.Dialer) Option {
	return func(a *Adapter) { a.dialer = d }
}

// WithOrigin sets the origin network endpoints must share.
func WithOrigin(origin string) Option {
	return func(a *Adapter) { a.origin = origin }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithHandshakeTimeout bounds the protocol readiness handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.handshakeTimeout = d }
}

// WithInjectTimeout bounds the resource injection handshake.
func WithInjectTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.injectTimeout = d }
}

// WithDrainTimeout bounds how long a new search waits for the final result
// of the search it superseded.
func WithDrainTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.drainTimeout = d }
}

// New validates cfg synchronously and returns an uninitialized adapter.
func New(cfg model.EngineConfig, parser protocol.Parser, opts ...Option) (*Adapter, error) {
	if !model.ValidEngineID(cfg.ID) {
		return nil, enginerr.Validation("new adapter", "invalid engine id %q", cfg.ID).
			WithHint("engine ids are lowercase letters, digits, '.', '_' or '-'")
	}
	if parser == nil {
		return nil, enginerr.Internal("new adapter", "no protocol parser")
	}
	if err := validateSources(cfg); err != nil {
		return nil, err.WithEngine(cfg.ID)
	}

	a := &Adapter{
		cfg:              cfg,
		parser:           parser,
		logger:           slog.Default(),
		dialer:           transport.DefaultDialer{},
		handshakeTimeout: DefaultHandshakeTimeout,
		injectTimeout:    DefaultInjectTimeout,
		drainTimeout:     DefaultDrainTimeout,
		status:           model.StatusUninitialized,
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("engine_id", cfg.ID, "protocol", parser.Name())
	return a, nil
}

// validateSources checks the integrity descriptor shape of every source and
// that a channel target exists.
func validateSources(cfg model.EngineConfig) *enginerr.Error {
	for _, role := range cfg.Roles() {
		if err := cfg.Sources[role].CheckIntegrity(false); err != nil {
			return enginerr.Wrap(enginerr.KindValidation, "validate sources", err)
		}
	}
	if cfg.Endpoint == "" {
		if _, ok := cfg.Sources[cfg.Primary()]; !ok {
			return enginerr.Validation("validate sources", "no %q source and no endpoint", cfg.Primary())
		}
	}
	return nil
}

// ID returns the engine id.
func (a *Adapter) ID() string { return a.cfg.ID }

// Config returns the engine configuration.
func (a *Adapter) Config() model.EngineConfig { return a.cfg }

// Parser returns the protocol parser.
func (a *Adapter) Parser() protocol.Parser { return a.parser }

// Status returns the current lifecycle status.
func (a *Adapter) Status() model.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Err returns the error that last drove the adapter to StatusError.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastErr == nil {
		return nil
	}
	return a.lastErr
}

// OnStatus registers fn for status changes.
func (a *Adapter) OnStatus(fn func(model.Status)) (unsubscribe func()) { return a.statusL.Add(fn) }

// OnInfo registers fn for info reports of the current search.
func (a *Adapter) OnInfo(fn func(model.Info)) (unsubscribe func()) { return a.infoL.Add(fn) }

// OnResult registers fn for final results.
func (a *Adapter) OnResult(fn func(model.Result)) (unsubscribe func()) { return a.resultL.Add(fn) }

// OnProgress registers fn for load progress.
func (a *Adapter) OnProgress(fn func(model.Progress)) (unsubscribe func()) { return a.progressL.Add(fn) }

// transitionLocked moves to status to. It reports whether a change happened.
// Callers emit the change after releasing a.mu.
func (a *Adapter) transitionLocked(to model.Status) bool {
	if a.status == to {
		return false
	}
	if !model.ValidTransition(a.status, to) {
		a.logger.Warn("ignoring invalid status transition", "from", a.status, "to", to)
		return false
	}
	a.status = to
	statusTransitionsTotal.WithLabelValues(string(to)).Inc()
	return true
}

func (a *Adapter) emitStatus(changed bool, s model.Status) {
	if changed {
		a.statusL.Emit(s)
	}
}

func (a *Adapter) progress(phase string, percent float64) {
	a.progressL.Emit(model.Progress{Phase: phase, Percent: percent})
}
