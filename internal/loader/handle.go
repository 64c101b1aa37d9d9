package loader

import (
	"sync/atomic"

	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/transport"
)

const handleScheme = "handle:"

var _ transport.Blob = (*Handle)(nil)

// Handle is a revocable reference to verified resource bytes held in memory.
// Its URL is the only form in which resources are handed to channels.
type Handle struct {
	id        string
	engineID  string
	role      string
	key       string
	typ       string
	mountPath string
	data      []byte
	revoked   atomic.Bool
}

// URL returns "handle:<id>".
func (h *Handle) URL() string { return handleScheme + h.id }

func (h *Handle) ID() string        { return h.id }
func (h *Handle) EngineID() string  { return h.engineID }
func (h *Handle) Role() string      { return h.role }
func (h *Handle) Type() string      { return h.typ }
func (h *Handle) MountPath() string { return h.mountPath }
func (h *Handle) Size() int         { return len(h.data) }
func (h *Handle) Revoked() bool     { return h.revoked.Load() }

// Bytes returns the resource bytes until the handle is revoked.
func (h *Handle) Bytes() ([]byte, error) {
	if h.revoked.Load() {
		return nil, enginerr.New(enginerr.KindInternal, "read resource", "handle %s has been revoked", h.URL())
	}
	return h.data, nil
}

// revoke reports whether this call revoked the handle.
func (h *Handle) revoke() bool {
	return h.revoked.CompareAndSwap(false, true)
}
