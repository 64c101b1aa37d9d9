// Package loader fetches engine resources, verifies their integrity, caches
// them and hands them out as revocable handles scoped to an engine id.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/seantiz/enginebridge/internal/cache"
	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/model"
)

// Defaults for fetching.
const (
	DefaultFetchTimeout = 60 * time.Second
	maxResourceSize     = 512 << 20
	persistTimeout      = 30 * time.Second
	progressInterval    = 100 * time.Millisecond
)

// ProgressFunc receives byte-level download progress for one role. total is
// zero when the size is unknown.
type ProgressFunc func(role string, received, total int64)

// Loader is safe for concurrent use. The zero value is not usable; call New.
type Loader struct {
	cache        cache.Cache
	client       *http.Client
	production   bool
	fetchTimeout time.Duration
	logger       *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	handles map[string]*Handle // by handle id
	byKey   map[string]*Handle // by cache key, live only
	closed  bool

	persists sync.WaitGroup
}

// Option configures a Loader.
type Option func(*Loader)

// WithHTTPClient replaces the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithProduction enables production policy: unsafe_bypass is refused.
func WithProduction(production bool) Option {
	return func(l *Loader) { l.production = production }
}

// WithFetchTimeout bounds each network fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.fetchTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// New creates a loader persisting into c. A nil cache disables persistence.
func New(c cache.Cache, opts ...Option) *Loader {
	l := &Loader{
		cache:        c,
		client:       http.DefaultClient,
		fetchTimeout: DefaultFetchTimeout,
		logger:       slog.Default(),
		handles:      make(map[string]*Handle),
		byKey:        make(map[string]*Handle),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CacheKey returns the cache key for a source: engineID::sri, or
// engineID::sha256(url) when integrity is bypassed.
func CacheKey(engineID string, src model.SourceConfig) string {
	if src.SRI != "" {
		return engineID + "::" + src.SRI
	}
	sum := sha256.Sum256([]byte(src.URL))
	return engineID + "::" + hex.EncodeToString(sum[:])
}

// LoadResource returns a handle for one source, from a live handle, the
// cache or the network.
func (l *Loader) LoadResource(ctx context.Context, engineID, role string, src model.SourceConfig, progress ProgressFunc) (*Handle, error) {
	h, _, err := l.load(ctx, engineID, role, src, progress)
	return h, err
}

// LoadResources loads every role concurrently. On failure the handles
// created by this call are revoked; handles that were already live before
// the call are left alone.
func (l *Loader) LoadResources(ctx context.Context, engineID string, sources map[string]model.SourceConfig, progress ProgressFunc) (map[string]*Handle, error) {
	type loaded struct {
		role    string
		handle  *Handle
		created bool
	}

	results := make([]loaded, 0, len(sources))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for role, src := range sources {
		g.Go(func() error {
			h, created, err := l.load(gctx, engineID, role, src, progress)
			if err != nil {
				return fmt.Errorf("load %s: %w", role, err)
			}
			mu.Lock()
			results = append(results, loaded{role: role, handle: h, created: created})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, r := range results {
			if r.created {
				l.Revoke(r.handle)
			}
		}
		return nil, err
	}

	out := make(map[string]*Handle, len(results))
	for _, r := range results {
		out[r.role] = r.handle
	}
	return out, nil
}

func (l *Loader) load(ctx context.Context, engineID, role string, src model.SourceConfig, progress ProgressFunc) (*Handle, bool, error) {
	if !model.ValidEngineID(engineID) {
		return nil, false, enginerr.Validation("load resource", "invalid engine id %q", engineID)
	}
	if err := l.checkPolicy(src); err != nil {
		return nil, false, err
	}

	key := CacheKey(engineID, src)
	if h := l.live(key); h != nil {
		loadsTotal.WithLabelValues(resultReused).Inc()
		return h, false, nil
	}

	data, err := l.cached(ctx, key, src)
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		v, err, _ := l.group.Do(key, func() (any, error) {
			return l.fetch(ctx, role, src, progress)
		})
		if err != nil {
			return nil, false, err
		}
		data = v.([]byte)
		l.persist(key, data)
	} else if progress != nil {
		progress(role, int64(len(data)), int64(len(data)))
	}

	return l.register(engineID, role, key, src, data)
}

// checkPolicy enforces the integrity descriptor rules and the URL policy.
func (l *Loader) checkPolicy(src model.SourceConfig) error {
	if err := src.CheckIntegrity(l.production); err != nil {
		if src.UnsafeBypass && l.production {
			return enginerr.Wrap(enginerr.KindSecurity, "load resource", err)
		}
		return enginerr.Wrap(enginerr.KindValidation, "load resource", err)
	}
	return validateURL(src.URL)
}

// validateURL allows https, and http only on loopback hosts.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return enginerr.Validation("load resource", "invalid resource url %q", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
		return enginerr.Security("load resource", "plain http is only allowed on loopback, got %q", u.Host).
			WithHint("serve engine resources over https")
	default:
		return enginerr.Security("load resource", "scheme %q is not allowed", u.Scheme)
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (l *Loader) live(key string) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.byKey[key]
	if h == nil || h.Revoked() {
		return nil
	}
	return h
}

// cached returns verified cached bytes, or nil on a miss. Entries that fail
// verification are evicted so the caller refetches.
func (l *Loader) cached(ctx context.Context, key string, src model.SourceConfig) ([]byte, error) {
	if l.cache == nil {
		return nil, nil
	}
	data, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.Warn("resource cache read failed", "key", key, "error", err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	if src.SRI != "" {
		if err := verifySRI(data, src.SRI); err != nil {
			l.logger.Warn("evicting corrupt cached resource", "key", key, "error", err)
			if err := l.cache.Delete(ctx, key); err != nil {
				l.logger.Warn("resource cache delete failed", "key", key, "error", err)
			}
			return nil, nil
		}
	}
	loadsTotal.WithLabelValues(resultHit).Inc()
	return data, nil
}

func (l *Loader) fetch(ctx context.Context, role string, src model.SourceConfig, progress ProgressFunc) ([]byte, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, enginerr.Validation("fetch resource", "build request: %v", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		loadsTotal.WithLabelValues(resultFailed).Inc()
		if ctx.Err() != nil {
			return nil, enginerr.Wrap(enginerr.KindOf(ctx.Err()), "fetch resource", err)
		}
		return nil, enginerr.Network("fetch resource", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		loadsTotal.WithLabelValues(resultFailed).Inc()
		return nil, enginerr.Network("fetch resource", fmt.Errorf("GET %s: status %d", src.URL, resp.StatusCode))
	}

	total := src.Size
	if total <= 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	body := io.LimitReader(resp.Body, maxResourceSize+1)
	if progress != nil {
		body = &progressReader{r: body, role: role, total: total, fn: progress,
			every: rate.Sometimes{Interval: progressInterval}}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		loadsTotal.WithLabelValues(resultFailed).Inc()
		return nil, enginerr.Network("fetch resource", fmt.Errorf("read body: %w", err))
	}
	if len(data) > maxResourceSize {
		loadsTotal.WithLabelValues(resultFailed).Inc()
		return nil, enginerr.Validation("fetch resource", "resource exceeds %d bytes", maxResourceSize)
	}
	if progress != nil {
		progress(role, int64(len(data)), int64(len(data)))
	}

	if src.SRI != "" {
		if err := verifySRI(data, src.SRI); err != nil {
			loadsTotal.WithLabelValues(resultIntegrity).Inc()
			l.logger.Error("resource integrity check failed", "url", src.URL, "error", err)
			return nil, err
		}
	} else {
		l.logger.Warn("resource loaded without integrity check", "url", src.URL)
	}

	fetchDuration.Observe(time.Since(start).Seconds())
	fetchedBytes.Add(float64(len(data)))
	loadsTotal.WithLabelValues(resultFetched).Inc()
	return data, nil
}

// persist writes to the cache in the background. Failures are logged only.
func (l *Loader) persist(key string, data []byte) {
	if l.cache == nil {
		return
	}
	l.persists.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := l.cache.Set(ctx, key, data); err != nil {
			l.logger.Warn("resource cache write failed", "key", key, "error", err)
		}
	})
}

func (l *Loader) register(engineID, role, key string, src model.SourceConfig, data []byte) (*Handle, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false, enginerr.New(enginerr.KindAborted, "load resource", "loader closed")
	}
	if h := l.byKey[key]; h != nil && !h.Revoked() {
		return h, false, nil
	}
	h := &Handle{
		id:        model.NewID(),
		engineID:  engineID,
		role:      role,
		key:       key,
		typ:       src.Type,
		mountPath: src.MountPath,
		data:      data,
	}
	l.handles[h.id] = h
	l.byKey[key] = h
	liveHandles.Inc()
	return h, true, nil
}

// Lookup resolves a handle URL to its live handle.
func (l *Loader) Lookup(handleURL string) (*Handle, bool) {
	id, ok := strings.CutPrefix(handleURL, handleScheme)
	if !ok {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[id]
	return h, ok
}

// Revoke releases a handle. Revoking twice is a no-op.
func (l *Loader) Revoke(h *Handle) {
	if h == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revokeLocked(h)
}

func (l *Loader) revokeLocked(h *Handle) {
	if !h.revoke() {
		return
	}
	delete(l.handles, h.id)
	if l.byKey[h.key] == h {
		delete(l.byKey, h.key)
	}
	liveHandles.Dec()
}

// RevokeByEngineID releases every handle tagged with engineID and returns
// how many were released.
func (l *Loader) RevokeByEngineID(engineID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, h := range l.handles {
		if h.engineID == engineID {
			l.revokeLocked(h)
			n++
		}
	}
	return n
}

// RevokeAll releases every handle.
func (l *Loader) RevokeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.handles {
		l.revokeLocked(h)
	}
}

// LiveHandles returns the number of unrevoked handles, optionally for one engine.
func (l *Loader) LiveHandles(engineID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if engineID == "" {
		return len(l.handles)
	}
	n := 0
	for _, h := range l.handles {
		if h.engineID == engineID {
			n++
		}
	}
	return n
}

// Flush waits for background cache writes.
func (l *Loader) Flush() {
	l.persists.Wait()
}

// Close revokes everything and waits for pending cache writes. The cache
// itself is owned by the caller.
func (l *Loader) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.RevokeAll()
	l.persists.Wait()
	return nil
}

// progressReader reports bytes read, throttled.
type progressReader struct {
	r        io.Reader
	role     string
	total    int64
	received int64
	fn       ProgressFunc
	every    rate.Sometimes
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.received += int64(n)
	if n > 0 {
		p.every.Do(func() { p.fn(p.role, p.received, p.total) })
	}
	return n, err
}
