// Package transport provides the isolated channels engines run behind: an OS
// process, an in-process WASI module, a vsock guest and a same-origin
// websocket. Every channel exchanges the same Message envelope.
package transport

import (
	"errors"
	"sync"
)

// Message types exchanged over a channel.
const (
	MsgLine            = "line"
	MsgInjectResources = "INJECT_RESOURCES"
	MsgResourcesReady  = "RESOURCES_READY"
	MsgError           = "error"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// ErrExited reports that the engine ended the channel on its own.
var ErrExited = errors.New("engine exited")

// Resource is a file the engine expects at Path before it starts.
type Resource struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

// Message is the envelope for everything crossing a channel.
type Message struct {
	Type      string     `json:"type"`
	Line      string     `json:"line,omitempty"`
	Resources []Resource `json:"resources,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Line builds a protocol line message.
func Line(s string) Message { return Message{Type: MsgLine, Line: s} }

// Transport is a bidirectional engine channel.
type Transport interface {
	Send(msg Message) error

	// Messages delivers inbound messages and is closed when the channel ends.
	Messages() <-chan Message

	// Err reports why Messages was closed. It is nil after a local Close.
	Err() error

	Close() error
}

// pump owns the inbound channel of a transport. Any number of goroutines may
// emit; the channel is closed once the pump is finished and every in-flight
// emit has returned.
type pump struct {
	out  chan Message
	quit chan struct{}

	mu      sync.Mutex
	writers sync.WaitGroup
	sealed  bool
	err     error

	finishOnce sync.Once
	quitOnce   sync.Once
}

const pumpBuffer = 64

func newPump() *pump {
	return &pump{
		out:  make(chan Message, pumpBuffer),
		quit: make(chan struct{}),
	}
}

func (p *pump) emit(m Message) bool {
	p.mu.Lock()
	if p.sealed {
		p.mu.Unlock()
		return false
	}
	p.writers.Add(1)
	p.mu.Unlock()
	defer p.writers.Done()

	select {
	case p.out <- m:
		return true
	case <-p.quit:
		return false
	}
}

// finish records the terminal error (first call wins) and closes out.
func (p *pump) finish(err error) {
	p.finishOnce.Do(func() {
		p.mu.Lock()
		p.sealed = true
		p.err = err
		p.mu.Unlock()
		go func() {
			p.writers.Wait()
			close(p.out)
		}()
	})
}

// stop unblocks pending emits and finishes cleanly.
func (p *pump) stop() {
	p.quitOnce.Do(func() { close(p.quit) })
	p.finish(nil)
}

func (p *pump) stopped() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

func (p *pump) messages() <-chan Message { return p.out }

func (p *pump) error() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
