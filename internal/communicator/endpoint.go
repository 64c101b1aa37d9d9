package communicator

import (
	"net/url"
	"strings"

	"github.com/seantiz/enginebridge/internal/enginerr"
)

// ValidateEndpoint decides whether a channel may be opened against endpoint.
// Local handles and host-local vsock guests are always allowed; network
// endpoints must share scheme family, host and port with origin.
func ValidateEndpoint(endpoint, origin string) error {
	switch {
	case strings.HasPrefix(endpoint, "handle:") && len(endpoint) > len("handle:"):
		return nil
	case strings.HasPrefix(endpoint, "vsock://"):
		return nil
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return enginerr.Security("open channel", "endpoint %q is not an allowed channel target", endpoint)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return enginerr.Security("open channel", "endpoint scheme %q is not allowed", u.Scheme)
	}

	if origin == "" {
		return enginerr.Security("open channel", "network endpoint %q requires a configured origin", endpoint)
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return enginerr.Security("open channel", "origin %q is invalid", origin)
	}
	if !sameOrigin(u, o) {
		return enginerr.Security("open channel", "endpoint %q is not same-origin with %q", endpoint, origin).
			WithHint("serve the engine from the host origin or load it as a verified resource")
	}
	return nil
}

func sameOrigin(a, b *url.URL) bool {
	return secure(a.Scheme) == secure(b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		port(a) == port(b)
}

func secure(scheme string) bool { return scheme == "https" || scheme == "wss" }

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if secure(u.Scheme) {
		return "443"
	}
	return "80"
}
