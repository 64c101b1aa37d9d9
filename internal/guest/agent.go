// Package guest implements the agent that runs inside a microVM next to an
// engine binary. Each vsock connection from the host gets its own engine
// process; protocol lines and resource injections are relayed between them.
package guest

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/seantiz/enginebridge/internal/transport"
)

// DefaultWorkDir is where per-connection engine directories are created.
const DefaultWorkDir = "/work"

// Agent accepts host connections and runs one engine per connection.
type Agent struct {
	listener   net.Listener
	enginePath string
	args       []string
	workDir    string
	logger     *slog.Logger

	seq atomic.Uint64
	wg  sync.WaitGroup
}

// Option configures an Agent.
type Option func(*Agent)

// WithArgs sets the engine's command line arguments.
func WithArgs(args ...string) Option {
	return func(a *Agent) { a.args = args }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an agent that serves enginePath on listener.
func New(listener net.Listener, enginePath, workDir string, opts ...Option) *Agent {
	if workDir == "" {
		workDir = DefaultWorkDir
	}
	a := &Agent{
		listener:   listener,
		enginePath: enginePath,
		workDir:    workDir,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Serve accepts connections until the listener is closed. It waits for open
// connections to finish before returning.
func (a *Agent) Serve() error {
	defer a.wg.Wait()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConnection(conn)
		}()
	}
}

// handleConnection relays between one host connection and a fresh engine
// process until either side ends.
func (a *Agent) handleConnection(conn net.Conn) {
	host := transport.NewConn(conn)
	defer host.Close()

	logger := a.logger.With("conn", a.seq.Add(1))
	engine, dir, err := a.startEngine(logger)
	if err != nil {
		logger.Error("prepare engine", "error", err)
		sendError(host, err)
		return
	}
	defer os.RemoveAll(dir)
	defer engine.Close()
	logger.Info("host connected", "engine", a.enginePath, "dir", dir)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		for msg := range engine.Messages() {
			if err := host.Send(msg); err != nil {
				logger.Warn("relay to host", "error", err)
				return
			}
		}
		if err := engine.Err(); err != nil {
			logger.Info("engine ended", "error", err)
			sendError(host, err)
		}
	}()

	hostDone := make(chan struct{})
	go func() {
		defer close(hostDone)
		for msg := range host.Messages() {
			if err := engine.Send(msg); err != nil {
				logger.Warn("relay to engine", "type", msg.Type, "error", err)
				sendError(host, err)
				if errors.Is(err, transport.ErrClosed) {
					return
				}
			}
		}
	}()

	select {
	case <-engineDone:
	case <-hostDone:
		logger.Info("host disconnected")
	}
}

func (a *Agent) startEngine(logger *slog.Logger) (*transport.Process, string, error) {
	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(a.workDir, "engine-*")
	if err != nil {
		return nil, "", fmt.Errorf("create engine dir: %w", err)
	}
	p, err := transport.NewProcess(a.enginePath, a.args,
		transport.WithWorkDir(dir),
		transport.WithProcessLogger(logger))
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", err
	}
	return p, dir, nil
}

func sendError(host *transport.Conn, err error) {
	_ = host.Send(transport.Message{Type: transport.MsgError, Error: err.Error()})
}
