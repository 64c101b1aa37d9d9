// Package enginetest provides a scripted UCI engine for tests.
package enginetest

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/seantiz/enginebridge/internal/transport"
)

// Engine is a scripted UCI engine behind a transport.Transport. It answers
// "uci" with "uciok", acknowledges resource injection and, when AutoFinish
// is set, answers every "go" with one info line and "bestmove e2e4".
type Engine struct {
	mu        sync.Mutex
	sent      []string
	injected  []transport.Resource
	out       chan transport.Message
	closed    bool
	searching bool

	autoFinish  bool
	silentStop  bool
	noHandshake bool
}

// New returns an engine that finishes every search immediately.
func New() *Engine {
	return &Engine{out: make(chan transport.Message, 256), autoFinish: true}
}

// SetAutoFinish controls whether "go" is answered immediately.
func (e *Engine) SetAutoFinish(v bool) {
	e.mu.Lock()
	e.autoFinish = v
	e.mu.Unlock()
}

// SetSilentStop makes the engine ignore "stop".
func (e *Engine) SetSilentStop(v bool) {
	e.mu.Lock()
	e.silentStop = v
	e.mu.Unlock()
}

// SetNoHandshake makes the engine ignore "uci".
func (e *Engine) SetNoHandshake(v bool) {
	e.mu.Lock()
	e.noHandshake = v
	e.mu.Unlock()
}

// Emit sends line as engine output. It is a no-op once closed.
func (e *Engine) Emit(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(line)
}

func (e *Engine) emitLocked(line string) {
	if !e.closed {
		e.out <- transport.Line(line)
	}
}

// Send implements transport.Transport.
func (e *Engine) Send(m transport.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	if m.Type == transport.MsgInjectResources {
		e.injected = append(e.injected, m.Resources...)
		e.out <- transport.Message{Type: transport.MsgResourcesReady}
		return nil
	}
	e.sent = append(e.sent, m.Line)
	switch {
	case m.Line == "uci":
		if !e.noHandshake {
			e.emitLocked("id name Scripted")
			e.emitLocked("uciok")
		}
	case strings.HasPrefix(m.Line, "go"):
		e.searching = true
		if e.autoFinish {
			e.emitLocked("info depth 1 score cp 10")
			e.emitLocked("bestmove e2e4")
			e.searching = false
		}
	case m.Line == "stop":
		if e.searching && !e.silentStop {
			e.emitLocked("bestmove a2a3")
			e.searching = false
		}
	}
	return nil
}

// Messages implements transport.Transport.
func (e *Engine) Messages() <-chan transport.Message { return e.out }

// Err implements transport.Transport.
func (e *Engine) Err() error { return nil }

// Close implements transport.Transport. It is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.out)
	}
	return nil
}

// Closed reports whether the channel was closed.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Lines returns every line sent to the engine.
func (e *Engine) Lines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.sent)
}

// Injected returns every injected resource.
func (e *Engine) Injected() []transport.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.injected)
}

// Dialer hands out engines. Each Dial returns the next engine from Engines,
// or a fresh one from New when none remain.
type Dialer struct {
	mu      sync.Mutex
	engines []*Engine
	dialed  []*Engine
}

// NewDialer returns a dialer that serves engines in order.
func NewDialer(engines ...*Engine) *Dialer {
	return &Dialer{engines: engines}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(context.Context, transport.Target) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var e *Engine
	if len(d.engines) > 0 {
		e, d.engines = d.engines[0], d.engines[1:]
	} else {
		e = New()
	}
	d.dialed = append(d.dialed, e)
	return e, nil
}

// Dials returns how many channels were opened.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

// Last returns the most recently dialed engine, or nil.
func (d *Dialer) Last() *Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.dialed) == 0 {
		return nil
	}
	return d.dialed[len(d.dialed)-1]
}
