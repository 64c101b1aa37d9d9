package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// processStopGrace is how long a closed process may take to exit on its own
// after stdin is closed before it is killed.
const processStopGrace = 2 * time.Second

// maxLineSize bounds a single engine output line.
const maxLineSize = 1 << 20

// Process runs an engine as a child process, speaking lines over stdio.
// The process is started lazily on the first line so that injected
// resources are in place before the engine looks for them.
type Process struct {
	path    string
	args    []string
	dir     string
	ownsDir bool
	logger  *slog.Logger
	p       *pump

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	closed  bool
	exited  chan struct{}
}

// ProcessOption configures a Process.
type ProcessOption func(*Process)

// WithWorkDir runs the process in dir instead of a private temp directory.
func WithWorkDir(dir string) ProcessOption {
	return func(p *Process) { p.dir = dir }
}

// WithProcessLogger sets the logger used for engine stderr.
func WithProcessLogger(l *slog.Logger) ProcessOption {
	return func(p *Process) { p.logger = l }
}

// NewProcess prepares (but does not start) the executable at path.
func NewProcess(path string, args []string, opts ...ProcessOption) (*Process, error) {
	p := &Process{
		path:   path,
		args:   args,
		logger: slog.Default(),
		p:      newPump(),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.dir == "" {
		dir, err := os.MkdirTemp("", "engine-*")
		if err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
		p.dir = dir
		p.ownsDir = true
	}
	return p, nil
}

// Dir is the process working directory; injected resources land here.
func (p *Process) Dir() string { return p.dir }

func (p *Process) Send(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	switch msg.Type {
	case MsgInjectResources:
		if p.started {
			return errors.New("inject resources: engine already started")
		}
		if err := Materialize(p.dir, msg.Resources); err != nil {
			return fmt.Errorf("inject resources: %w", err)
		}
		go p.p.emit(Message{Type: MsgResourcesReady})
		return nil
	case MsgLine:
		if err := p.startLocked(); err != nil {
			return err
		}
		if _, err := io.WriteString(p.stdin, msg.Line+"\n"); err != nil {
			return fmt.Errorf("write line: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
}

func (p *Process) startLocked() error {
	if p.started {
		return nil
	}
	cmd := exec.Command(p.path, p.args...)
	cmd.Dir = p.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.started = true

	go p.logStderr(stderr)
	go p.readStdout(stdout)
	return nil
}

func (p *Process) readStdout(r io.Reader) {
	scanLines(r, func(line string) bool { return p.p.emit(Line(line)) })

	waitErr := p.cmd.Wait()
	close(p.exited)
	if p.ownsDir {
		p.cleanupDirAfterClose()
	}

	switch {
	case p.p.stopped():
		p.p.finish(nil)
	case waitErr != nil:
		p.p.finish(fmt.Errorf("%w: %w", ErrExited, waitErr))
	default:
		p.p.finish(ErrExited)
	}
}

func (p *Process) logStderr(r io.Reader) {
	scanLines(r, func(line string) bool {
		p.logger.Debug("engine stderr", "path", p.path, "line", line)
		return true
	})
}

func (p *Process) Messages() <-chan Message { return p.p.messages() }

func (p *Process) Err() error { return p.p.error() }

// Close stops the engine. It closes stdin, waits briefly, then kills.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	p.p.stop()
	if !started {
		if p.ownsDir {
			return os.RemoveAll(p.dir)
		}
		return nil
	}

	p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(processStopGrace):
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill engine: %w", err)
		}
	}
	return nil
}

func (p *Process) cleanupDirAfterClose() {
	if err := os.RemoveAll(p.dir); err != nil {
		p.logger.Warn("remove engine work dir", "dir", p.dir, "error", err)
	}
}

// scanLines calls fn for each line of r until fn returns false or r ends.
func scanLines(r io.Reader, fn func(string) bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if !fn(strings.TrimRight(scanner.Text(), "\r")) {
			// Keep draining so the writer never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}
