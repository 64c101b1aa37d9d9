package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/mdlayher/vsock"
)

// DefaultVsockPort is the port the guest agent listens on.
const DefaultVsockPort = 1024

// Retry defaults for vsock connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// VsockAddr is a parsed vsock://cid:port endpoint.
type VsockAddr struct {
	CID  uint32
	Port uint32
}

// ParseVsock parses "vsock://<cid>[:<port>]".
func ParseVsock(endpoint string) (VsockAddr, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return VsockAddr{}, fmt.Errorf("parse vsock endpoint: %w", err)
	}
	if u.Scheme != "vsock" {
		return VsockAddr{}, fmt.Errorf("endpoint %q is not vsock", endpoint)
	}
	cid, err := strconv.ParseUint(u.Hostname(), 10, 32)
	if err != nil {
		return VsockAddr{}, fmt.Errorf("vsock cid %q: %w", u.Hostname(), err)
	}
	addr := VsockAddr{CID: uint32(cid), Port: DefaultVsockPort}
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return VsockAddr{}, fmt.Errorf("vsock port %q: %w", p, err)
		}
		addr.Port = uint32(port)
	}
	return addr, nil
}

// dialFunc is swapped in tests.
type dialFunc func(ctx context.Context) (net.Conn, error)

// DialVsock connects to a guest agent and returns a framed transport.
// Retries with exponential backoff on connection failure.
func DialVsock(ctx context.Context, endpoint string) (*Conn, error) {
	addr, err := ParseVsock(endpoint)
	if err != nil {
		return nil, err
	}
	c, err := dialWithRetry(ctx, func(context.Context) (net.Conn, error) {
		return vsock.Dial(addr.CID, addr.Port, nil)
	})
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

func dialWithRetry(ctx context.Context, dial dialFunc) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		c, err := dial(ctx)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial guest: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}
