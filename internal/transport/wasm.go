package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Wasm runs a WASI engine module in-process with wazero. Stdio carries the
// protocol lines; injected resources are mounted read-only at "/".
type Wasm struct {
	name   string
	args   []string
	dir    string
	logger *slog.Logger
	p      *pump

	ctx      context.Context
	cancel   context.CancelFunc
	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	mu      sync.Mutex
	stdin   *io.PipeWriter
	started bool
	closed  bool
	exited  chan struct{}
}

// NewWasm compiles module so that malformed binaries fail before the
// handshake. The module is instantiated on the first line.
func NewWasm(name string, module []byte, args []string, logger *slog.Logger) (*Wasm, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		cancel()
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		cancel()
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}

	dir, err := os.MkdirTemp("", "wasm-engine-*")
	if err != nil {
		cancel()
		rt.Close(ctx)
		return nil, fmt.Errorf("create mount dir: %w", err)
	}

	return &Wasm{
		name:     name,
		args:     args,
		dir:      dir,
		logger:   logger,
		p:        newPump(),
		ctx:      ctx,
		cancel:   cancel,
		runtime:  rt,
		compiled: compiled,
		exited:   make(chan struct{}),
	}, nil
}

func (w *Wasm) Send(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	switch msg.Type {
	case MsgInjectResources:
		if w.started {
			return errors.New("inject resources: engine already started")
		}
		if err := Materialize(w.dir, msg.Resources); err != nil {
			return fmt.Errorf("inject resources: %w", err)
		}
		go w.p.emit(Message{Type: MsgResourcesReady})
		return nil
	case MsgLine:
		w.startLocked()
		if _, err := io.WriteString(w.stdin, msg.Line+"\n"); err != nil {
			return fmt.Errorf("write line: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

func (w *Wasm) startLocked() {
	if w.started {
		return
	}
	w.started = true

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	w.stdin = stdinW

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{w.name}, w.args...)...).
		WithStdin(stdinR).
		WithStdout(stdoutW).
		WithStderr(&logWriter{logger: w.logger, name: w.name}).
		WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(w.dir, "/")).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)

	go func() {
		mod, err := w.runtime.InstantiateModule(w.ctx, w.compiled, cfg)
		if mod != nil {
			mod.Close(w.ctx)
		}
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			err = nil
		}
		stdoutW.CloseWithError(io.EOF)
		stdinR.Close()

		if w.p.stopped() {
			w.p.finish(nil)
		} else if err != nil {
			w.p.finish(fmt.Errorf("%w: %w", ErrExited, err))
		}
		close(w.exited)
	}()

	go func() {
		scanLines(stdoutR, func(line string) bool { return w.p.emit(Line(line)) })
		// Reached after the module closed stdout; report a clean exit if
		// nothing more specific was recorded.
		<-w.exited
		w.p.finish(ErrExited)
	}()
}

func (w *Wasm) Messages() <-chan Message { return w.p.messages() }

func (w *Wasm) Err() error { return w.p.error() }

// Close cancels the module context, which terminates a running module.
func (w *Wasm) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	w.mu.Unlock()

	w.p.stop()
	if started {
		w.stdin.Close()
	}
	w.cancel()
	if started {
		<-w.exited
	}
	err := w.runtime.Close(context.Background())
	if rmErr := os.RemoveAll(w.dir); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// logWriter forwards module stderr to the logger.
type logWriter struct {
	logger *slog.Logger
	name   string
}

func (l *logWriter) Write(b []byte) (int, error) {
	l.logger.Debug("engine stderr", "module", l.name, "output", string(b))
	return len(b), nil
}
