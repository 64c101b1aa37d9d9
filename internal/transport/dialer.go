package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Blob is a locally held engine resource addressable by a handle: URL.
type Blob interface {
	URL() string
	Type() string
	Bytes() ([]byte, error)
}

// Target describes what a channel should be opened against.
type Target struct {
	// Endpoint is a handle:, vsock://, ws:// or wss:// URL.
	Endpoint string
	// Blob backs a handle: endpoint.
	Blob Blob
	// Name labels the engine in logs and argv[0].
	Name string
	Args []string
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Transport, error)
}

// DefaultDialer picks the channel implementation from the endpoint scheme
// and, for local handles, from the resource type.
type DefaultDialer struct {
	// Origin is sent as the Origin header on websocket dials.
	Origin string
	Logger *slog.Logger
}

func (d DefaultDialer) Dial(ctx context.Context, target Target) (Transport, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case strings.HasPrefix(target.Endpoint, "handle:"):
		return dialHandle(target, logger)
	case strings.HasPrefix(target.Endpoint, "vsock://"):
		return DialVsock(ctx, target.Endpoint)
	case strings.HasPrefix(target.Endpoint, "ws://"), strings.HasPrefix(target.Endpoint, "wss://"):
		return DialWebSocket(ctx, target.Endpoint, d.Origin)
	case strings.HasPrefix(target.Endpoint, "http://"), strings.HasPrefix(target.Endpoint, "https://"):
		return DialWebSocket(ctx, "ws"+strings.TrimPrefix(target.Endpoint, "http"), d.Origin)
	default:
		return nil, fmt.Errorf("no transport for endpoint %q", target.Endpoint)
	}
}

func dialHandle(target Target, logger *slog.Logger) (Transport, error) {
	if target.Blob == nil || target.Blob.URL() != target.Endpoint {
		return nil, fmt.Errorf("endpoint %q does not match the supplied resource", target.Endpoint)
	}
	data, err := target.Blob.Bytes()
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}

	switch target.Blob.Type() {
	case "wasm":
		return NewWasm(target.Name, data, target.Args, logger)
	case "binary", "script":
		p, err := NewProcess("", target.Args, WithProcessLogger(logger))
		if err != nil {
			return nil, err
		}
		exe := filepath.Join(p.Dir(), ".engine")
		if err := os.WriteFile(exe, data, 0o755); err != nil {
			p.Close()
			return nil, fmt.Errorf("write engine executable: %w", err)
		}
		p.path = exe
		return p, nil
	default:
		return nil, fmt.Errorf("resource type %q cannot be run", target.Blob.Type())
	}
}
