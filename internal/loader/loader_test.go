package loader

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/seantiz/enginebridge/internal/cache"
	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/model"
)

// resourceServer serves fixed bodies by path and counts requests.
type resourceServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies map[string][]byte
	fail   map[string]bool
	hits   atomic.Int32
}

func newResourceServer(t *testing.T) *resourceServer {
	t.Helper()
	rs := &resourceServer{bodies: make(map[string][]byte), fail: make(map[string]bool)}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		rs.mu.Lock()
		body, ok := rs.bodies[r.URL.Path]
		fail := rs.fail[r.URL.Path]
		rs.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *resourceServer) set(path string, body []byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.bodies[path] = body
}

func (rs *resourceServer) setFail(path string, fail bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.fail[path] = fail
}

func sri256(b []byte) string {
	s := sha256.Sum256(b)
	return "sha256-" + base64.StdEncoding.EncodeToString(s[:])
}

func sri512(b []byte) string {
	s := sha512.Sum512(b)
	return "sha512-" + base64.StdEncoding.EncodeToString(s[:])
}

func newTestLoader(t *testing.T, opts ...Option) (*Loader, cache.Cache) {
	t.Helper()
	c, err := cache.NewMemory(16)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	l := New(c, opts...)
	t.Cleanup(func() { l.Close() })
	return l, c
}

func TestVerifySRIAlgorithms(t *testing.T) {
	data := []byte("engine bytes")
	for _, sri := range []string{sri256(data), SRI(data), sri512(data)} {
		if err := verifySRI(data, sri); err != nil {
			t.Errorf("verifySRI(%s): %v", sri[:6], err)
		}
	}
	if err := verifySRI(data, sri256([]byte("other"))); !errors.Is(err, enginerr.ErrSecurity) {
		t.Errorf("mismatch err = %v, want security", err)
	}
}

func TestVerifySRIUsesStrongestAlgorithm(t *testing.T) {
	data := []byte("engine bytes")
	// A correct sha256 next to a wrong sha512 must fail: sha512 wins.
	sri := sri256(data) + " " + sri512([]byte("tampered"))
	if err := verifySRI(data, sri); !errors.Is(err, enginerr.ErrSecurity) {
		t.Errorf("err = %v, want security", err)
	}
	// Several digests of the strongest algorithm: any may match.
	sri = sri512([]byte("old build")) + " " + sri512(data)
	if err := verifySRI(data, sri); err != nil {
		t.Errorf("verifySRI: %v", err)
	}
	if err := verifySRI(data, "md5-abc"); !errors.Is(err, enginerr.ErrValidation) {
		t.Errorf("unsupported alg err = %v, want validation", err)
	}
	// Malformed tokens are skipped rather than failing the whole value.
	sri = "sha256-%%%notbase64 " + sri512(data)
	if err := verifySRI(data, sri); err != nil {
		t.Errorf("malformed weaker digest: verifySRI = %v, want nil", err)
	}
	sri = sri256(data) + " sha512-" + base64.StdEncoding.EncodeToString([]byte("short"))
	if err := verifySRI(data, sri); err != nil {
		t.Errorf("truncated stronger digest: verifySRI = %v, want sha256 to decide", err)
	}
	if err := verifySRI(data, "sha384-%%%"); !errors.Is(err, enginerr.ErrValidation) {
		t.Errorf("only malformed digests err = %v, want validation", err)
	}
}

func TestCacheKey(t *testing.T) {
	src := model.SourceConfig{URL: "https://cdn.example/sf.wasm", SRI: "sha384-abc"}
	if got := CacheKey("sf", src); got != "sf::sha384-abc" {
		t.Errorf("CacheKey = %q", got)
	}
	bypass := model.SourceConfig{URL: "https://cdn.example/sf.wasm", UnsafeBypass: true}
	if got := CacheKey("sf", bypass); len(got) != len("sf::")+64 {
		t.Errorf("bypass CacheKey = %q", got)
	}
}

func TestLoadResourcePolicy(t *testing.T) {
	rs := newResourceServer(t)
	rs.set("/e.wasm", []byte("x"))
	l, _ := newTestLoader(t, WithProduction(true))
	ctx := context.Background()

	tests := []struct {
		name string
		src  model.SourceConfig
		want error
	}{
		{"no sri", model.SourceConfig{URL: rs.URL + "/e.wasm"}, enginerr.ErrValidation},
		{"bypass in production", model.SourceConfig{URL: rs.URL + "/e.wasm", UnsafeBypass: true}, enginerr.ErrSecurity},
		{"plain http remote", model.SourceConfig{URL: "http://cdn.example/e.wasm", SRI: SRI([]byte("x"))}, enginerr.ErrSecurity},
		{"ftp", model.SourceConfig{URL: "ftp://cdn.example/e.wasm", SRI: SRI([]byte("x"))}, enginerr.ErrSecurity},
		{"wrong hash", model.SourceConfig{URL: rs.URL + "/e.wasm", SRI: SRI([]byte("y"))}, enginerr.ErrSecurity},
		{"not found", model.SourceConfig{URL: rs.URL + "/missing", SRI: SRI([]byte("x"))}, enginerr.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.LoadResource(ctx, "sf", "main", tt.src, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadResourceBypassOutsideProduction(t *testing.T) {
	rs := newResourceServer(t)
	rs.set("/e.js", []byte("script"))
	l, _ := newTestLoader(t)

	h, err := l.LoadResource(context.Background(), "dev", "main", model.SourceConfig{URL: rs.URL + "/e.js", UnsafeBypass: true, Type: model.ResourceScript}, nil)
	if err != nil {
		t.Fatalf("LoadResource: %v", err)
	}
	if b, _ := h.Bytes(); string(b) != "script" {
		t.Errorf("bytes = %q", b)
	}
}

func TestLoadResourceCacheHitSkipsNetwork(t *testing.T) {
	rs := newResourceServer(t)
	body := []byte("wasm module")
	rs.set("/sf.wasm", body)
	src := model.SourceConfig{URL: rs.URL + "/sf.wasm", SRI: SRI(body), Type: model.ResourceWasm}

	c, _ := cache.NewMemory(4)
	ctx := context.Background()

	first := New(c)
	if _, err := first.LoadResource(ctx, "sf", "main", src, nil); err != nil {
		t.Fatalf("first load: %v", err)
	}
	first.Close()

	second := New(c)
	defer second.Close()
	h, err := second.LoadResource(ctx, "sf", "main", src, nil)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if got := rs.hits.Load(); got != 1 {
		t.Errorf("network hits = %d, want 1", got)
	}
	if h.URL()[:len("handle:")] != "handle:" || h.Type() != model.ResourceWasm {
		t.Errorf("handle = %s %s", h.URL(), h.Type())
	}
}

func TestLoadResourceEvictsCorruptCacheEntry(t *testing.T) {
	rs := newResourceServer(t)
	body := []byte("good bytes")
	rs.set("/e.bin", body)
	src := model.SourceConfig{URL: rs.URL + "/e.bin", SRI: SRI(body)}

	l, c := newTestLoader(t)
	ctx := context.Background()
	c.Set(ctx, CacheKey("sf", src), []byte("bit rot"))

	h, err := l.LoadResource(ctx, "sf", "main", src, nil)
	if err != nil {
		t.Fatalf("LoadResource: %v", err)
	}
	if b, _ := h.Bytes(); string(b) != "good bytes" {
		t.Errorf("bytes = %q", b)
	}
	if rs.hits.Load() != 1 {
		t.Errorf("hits = %d, want refetch", rs.hits.Load())
	}
	l.Flush()
	cached, _, _ := c.Get(ctx, CacheKey("sf", src))
	if string(cached) != "good bytes" {
		t.Errorf("cache not repaired: %q", cached)
	}
}

func TestLoadResourceReusesLiveHandle(t *testing.T) {
	rs := newResourceServer(t)
	body := []byte("x")
	rs.set("/e", body)
	src := model.SourceConfig{URL: rs.URL + "/e", SRI: SRI(body)}
	l, _ := newTestLoader(t)
	ctx := context.Background()

	a, _ := l.LoadResource(ctx, "sf", "main", src, nil)
	b, _ := l.LoadResource(ctx, "sf", "main", src, nil)
	if a != b {
		t.Error("live handle not reused")
	}
	if l.LiveHandles("sf") != 1 {
		t.Errorf("live = %d, want 1", l.LiveHandles("sf"))
	}
}

func TestLoadResourcesRollsBackOnlyNewHandles(t *testing.T) {
	rs := newResourceServer(t)
	mainBody, nnBody, bookBody := []byte("main"), []byte("nn"), []byte("book")
	rs.set("/main", mainBody)
	rs.set("/nn", nnBody)
	rs.set("/book", bookBody)
	rs.setFail("/book", true)

	l, _ := newTestLoader(t)
	ctx := context.Background()
	mainSrc := model.SourceConfig{URL: rs.URL + "/main", SRI: SRI(mainBody)}

	existing, err := l.LoadResource(ctx, "sf", "main", mainSrc, nil)
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	other, err := l.LoadResource(ctx, "other", "main", mainSrc, nil)
	if err != nil {
		t.Fatalf("other engine: %v", err)
	}

	sources := map[string]model.SourceConfig{
		"main": mainSrc,
		"nn":   {URL: rs.URL + "/nn", SRI: SRI(nnBody)},
		"book": {URL: rs.URL + "/book", SRI: SRI(bookBody)},
	}
	if _, err := l.LoadResources(ctx, "sf", sources, nil); !errors.Is(err, enginerr.ErrNetwork) {
		t.Fatalf("LoadResources err = %v, want network", err)
	}
	if existing.Revoked() {
		t.Error("pre-existing handle revoked by rollback")
	}
	if other.Revoked() {
		t.Error("other engine's handle revoked by rollback")
	}
	if got := l.LiveHandles("sf"); got != 1 {
		t.Errorf("live sf handles = %d, want 1", got)
	}

	rs.setFail("/book", false)
	handles, err := l.LoadResources(ctx, "sf", sources, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(handles) != 3 || handles["main"] != existing {
		t.Errorf("retry handles = %v", handles)
	}
}

func TestRevokeIsIdempotentAndScoped(t *testing.T) {
	rs := newResourceServer(t)
	body := []byte("x")
	rs.set("/e", body)
	src := model.SourceConfig{URL: rs.URL + "/e", SRI: SRI(body)}
	l, _ := newTestLoader(t)
	ctx := context.Background()

	a, _ := l.LoadResource(ctx, "a", "main", src, nil)
	b, _ := l.LoadResource(ctx, "b", "main", src, nil)

	l.Revoke(a)
	l.Revoke(a)
	if !a.Revoked() || b.Revoked() {
		t.Errorf("revoked a=%v b=%v", a.Revoked(), b.Revoked())
	}
	if _, err := a.Bytes(); err == nil {
		t.Error("Bytes on revoked handle succeeded")
	}
	if _, ok := l.Lookup(a.URL()); ok {
		t.Error("revoked handle still resolvable")
	}
	if h, ok := l.Lookup(b.URL()); !ok || h != b {
		t.Error("live handle not resolvable")
	}

	if n := l.RevokeByEngineID("b"); n != 1 {
		t.Errorf("RevokeByEngineID = %d, want 1", n)
	}
	if n := l.RevokeByEngineID("b"); n != 0 {
		t.Errorf("second RevokeByEngineID = %d, want 0", n)
	}
	l.RevokeAll()
	l.RevokeAll()
	if l.LiveHandles("") != 0 {
		t.Errorf("live after RevokeAll = %d", l.LiveHandles(""))
	}
}

func TestLoadResourceReportsProgress(t *testing.T) {
	rs := newResourceServer(t)
	body := make([]byte, 4096)
	rs.set("/big", body)
	l, _ := newTestLoader(t)

	var last atomic.Int64
	_, err := l.LoadResource(context.Background(), "sf", "nn", model.SourceConfig{URL: rs.URL + "/big", SRI: SRI(body)},
		func(role string, received, total int64) {
			if role == "nn" {
				last.Store(received)
			}
		})
	if err != nil {
		t.Fatalf("LoadResource: %v", err)
	}
	if last.Load() != int64(len(body)) {
		t.Errorf("final progress = %d, want %d", last.Load(), len(body))
	}
}

func TestLoadResourceRejectsInvalidEngineID(t *testing.T) {
	l, _ := newTestLoader(t)
	_, err := l.LoadResource(context.Background(), "Bad ID", "main", model.SourceConfig{URL: "https://x/y", SRI: "sha256-AA=="}, nil)
	if !errors.Is(err, enginerr.ErrValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}
