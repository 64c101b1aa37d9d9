package adapter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/enginetest"
	"github.com/seantiz/enginebridge/internal/loader"
	"github.com/seantiz/enginebridge/internal/model"
	"github.com/seantiz/enginebridge/internal/protocol"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() model.EngineConfig {
	return model.EngineConfig{ID: "fake", Protocol: model.ProtocolUCI, Endpoint: "vsock://3:1024"}
}

func newTestAdapter(t *testing.T, eng *enginetest.Engine, opts ...Option) *Adapter {
	t.Helper()
	opts = append([]Option{
		WithDialer(enginetest.NewDialer(eng)),
		WithLogger(discard),
		WithHandshakeTimeout(time.Second),
		WithDrainTimeout(200 * time.Millisecond),
	}, opts...)
	a, err := New(testConfig(), protocol.UCI{}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Dispose(context.Background()) })
	return a
}

func loadTestAdapter(t *testing.T, eng *enginetest.Engine) *Adapter {
	t.Helper()
	a := newTestAdapter(t, eng)
	if err := a.Load(context.Background(), loader.New(nil)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return a
}

func TestNewValidatesSynchronously(t *testing.T) {
	cfg := testConfig()
	cfg.ID = "Not Valid"
	if _, err := New(cfg, protocol.UCI{}); !errors.Is(err, enginerr.ErrValidation) {
		t.Errorf("bad id err = %v", err)
	}

	cfg = testConfig()
	cfg.Sources = map[string]model.SourceConfig{"main": {URL: "https://x/e.wasm"}}
	if _, err := New(cfg, protocol.UCI{}); !errors.Is(err, enginerr.ErrValidation) {
		t.Errorf("sri-less source err = %v", err)
	}

	cfg = model.EngineConfig{ID: "nochannel"}
	if _, err := New(cfg, protocol.UCI{}); !errors.Is(err, enginerr.ErrValidation) {
		t.Errorf("no channel target err = %v", err)
	}
}

func TestLoadReachesReady(t *testing.T) {
	eng := enginetest.New()
	a := newTestAdapter(t, eng)

	var mu sync.Mutex
	var statuses []model.Status
	a.OnStatus(func(s model.Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})
	var phases []string
	a.OnProgress(func(p model.Progress) {
		mu.Lock()
		phases = append(phases, p.Phase)
		mu.Unlock()
	})

	if err := a.Load(context.Background(), loader.New(nil)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a.Status() != model.StatusReady {
		t.Fatalf("status = %s", a.Status())
	}
	mu.Lock()
	defer mu.Unlock()
	if want := []model.Status{model.StatusLoading, model.StatusReady}; !slices.Equal(statuses, want) {
		t.Errorf("statuses = %v, want %v", statuses, want)
	}
	if phases[len(phases)-1] != model.PhaseReady {
		t.Errorf("phases = %v", phases)
	}
	if got := eng.Lines(); !slices.Equal(got, []string{"uci"}) {
		t.Errorf("sent = %v", got)
	}
}

func TestLoadRequiresLoader(t *testing.T) {
	a := newTestAdapter(t, enginetest.New())
	if err := a.Load(context.Background(), nil); !errors.Is(err, enginerr.ErrInternal) {
		t.Errorf("err = %v, want internal", err)
	}
}

func TestLoadHandshakeTimeoutUnwinds(t *testing.T) {
	eng := enginetest.New()
	eng.SetNoHandshake(true)
	a := newTestAdapter(t, eng, WithHandshakeTimeout(30*time.Millisecond))

	err := a.Load(context.Background(), loader.New(nil))
	if !errors.Is(err, enginerr.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if a.Status() != model.StatusError {
		t.Errorf("status = %s, want error", a.Status())
	}
	if !eng.Closed() {
		t.Error("channel not terminated on failure")
	}
	var e *enginerr.Error
	if !errors.As(a.Err(), &e) || e.EngineID != "fake" {
		t.Errorf("Err = %v, want normalized error", a.Err())
	}
}

func TestEngineErrorDuringHandshakeFailsLoad(t *testing.T) {
	eng := enginetest.New()
	eng.SetNoHandshake(true)
	a := newTestAdapter(t, eng)

	done := make(chan error, 1)
	go func() { done <- a.Load(context.Background(), loader.New(nil)) }()

	deadline := time.Now().Add(time.Second)
	for !slices.Contains(eng.Lines(), "uci") {
		if time.Now().After(deadline) {
			t.Fatal("handshake never sent")
		}
		time.Sleep(time.Millisecond)
	}
	eng.Emit("Error: failed to load network file")
	eng.Emit("uciok")

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Load did not return")
	}
	if !errors.Is(err, enginerr.ErrEngine) {
		t.Fatalf("Load err = %v, want engine error", err)
	}
	if a.Status() != model.StatusError {
		t.Errorf("status = %s, want error", a.Status())
	}
	if !eng.Closed() {
		t.Error("channel not terminated after engine error")
	}
	if _, err := a.Search(context.Background(), model.SearchOptions{Position: "startpos", Depth: 1}); !errors.Is(err, enginerr.ErrNotReady) {
		t.Errorf("Search after failed load err = %v, want not ready", err)
	}
}

func TestLoadInjectsMountedResources(t *testing.T) {
	weights := []byte("nnue weights")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(weights)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Sources = map[string]model.SourceConfig{
		"nn": {URL: srv.URL + "/nn.bin", SRI: loader.SRI(weights), Type: model.ResourceAsset, MountPath: "/nn.bin"},
	}
	eng := enginetest.New()
	a, err := New(cfg, protocol.UCI{}, WithDialer(enginetest.NewDialer(eng)), WithLogger(discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Dispose(context.Background())

	ld := loader.New(nil)
	if err := a.Load(context.Background(), ld); err != nil {
		t.Fatalf("Load: %v", err)
	}
	injected := eng.Injected()
	if len(injected) != 1 || injected[0].Path != "/nn.bin" || string(injected[0].Data) != string(weights) {
		t.Errorf("injected = %+v", injected)
	}

	a.Dispose(context.Background())
	if ld.LiveHandles("fake") != 0 {
		t.Error("handles outlived the adapter")
	}
}

func TestSearchBeforeLoadIsNotReadyWithoutTraffic(t *testing.T) {
	eng := enginetest.New()
	a := newTestAdapter(t, eng)

	_, err := a.Search(context.Background(), model.SearchOptions{Position: "startpos", Depth: 10})
	if !errors.Is(err, enginerr.ErrNotReady) {
		t.Fatalf("err = %v, want not ready", err)
	}
	if n := len(eng.Lines()); n != 0 {
		t.Errorf("channel traffic = %d lines, want 0", n)
	}
}

func TestSearchEndToEnd(t *testing.T) {
	eng := enginetest.New()
	a := loadTestAdapter(t, eng)

	var infos []model.Info
	var mu sync.Mutex
	a.OnInfo(func(i model.Info) {
		mu.Lock()
		infos = append(infos, i)
		mu.Unlock()
	})

	tk, err := a.Search(context.Background(), model.SearchOptions{Position: "startpos", Depth: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	res, err := tk.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.BestMove != "e2e4" {
		t.Errorf("best move = %q", res.BestMove)
	}
	if got := eng.Lines()[1:]; !slices.Equal(got, []string{"position fen startpos", "go depth 10"}) {
		t.Errorf("commands = %q", got)
	}

	var streamed []model.Info
	for info := range tk.Infos(context.Background()) {
		streamed = append(streamed, info)
	}
	if len(streamed) != 1 || streamed[0].Depth != 1 {
		t.Errorf("streamed infos = %+v", streamed)
	}
	mu.Lock()
	if len(infos) != 1 {
		t.Errorf("listener infos = %d, want 1", len(infos))
	}
	mu.Unlock()
	if a.Status() != model.StatusReady {
		t.Errorf("status = %s, want ready", a.Status())
	}
}

func TestSecondSearchCancelsFirst(t *testing.T) {
	eng := enginetest.New()
	eng.SetAutoFinish(false)
	a := loadTestAdapter(t, eng)
	ctx := context.Background()

	first, err := a.Search(ctx, model.SearchOptions{Position: "startpos", Infinite: true})
	if err != nil {
		t.Fatalf("first Search: %v", err)
	}
	eng.Emit("info depth 5 score cp 20")

	second, err := a.Search(ctx, model.SearchOptions{Position: "startpos", Depth: 3})
	if err != nil {
		t.Fatalf("second Search: %v", err)
	}

	if _, err := first.Wait(ctx); !errors.Is(err, enginerr.ErrAborted) {
		t.Errorf("first err = %v, want aborted", err)
	}
	for range first.Infos(ctx) {
	}

	lines := eng.Lines()
	stopAt := slices.Index(lines, "stop")
	goAt := slices.Index(lines, "go depth 3")
	if stopAt < 0 || goAt < stopAt {
		t.Errorf("stop not sent before second search: %q", lines)
	}

	// The superseded bestmove (a2a3) was drained; only the new one resolves.
	eng.Emit("bestmove g1f3")
	res, err := second.Wait(ctx)
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if res.BestMove != "g1f3" {
		t.Errorf("second best move = %q, want g1f3", res.BestMove)
	}
}

func TestSupersedeWithSilentEngineGivesUpAfterDrainTimeout(t *testing.T) {
	eng := enginetest.New()
	eng.SetAutoFinish(false)
	eng.SetSilentStop(true)
	a := loadTestAdapter(t, eng)
	ctx := context.Background()

	if _, err := a.Search(ctx, model.SearchOptions{Position: "startpos", Infinite: true}); err != nil {
		t.Fatalf("first Search: %v", err)
	}
	start := time.Now()
	second, err := a.Search(ctx, model.SearchOptions{Position: "startpos", Depth: 1})
	if err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Error("second search did not wait for the drain")
	}
	eng.Emit("bestmove h2h3")
	if res, err := second.Wait(ctx); err != nil || res.BestMove != "h2h3" {
		t.Errorf("second = %+v, %v", res, err)
	}
}

func TestStopAbortsAndReturnsToReady(t *testing.T) {
	eng := enginetest.New()
	eng.SetAutoFinish(false)
	a := loadTestAdapter(t, eng)
	ctx := context.Background()

	tk, err := a.Search(ctx, model.SearchOptions{Position: "startpos", Infinite: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	tk.Stop()
	if _, err := tk.Wait(ctx); !errors.Is(err, enginerr.ErrAborted) {
		t.Errorf("err = %v, want aborted", err)
	}
	if a.Status() != model.StatusReady {
		t.Errorf("status = %s, want ready", a.Status())
	}
	if err := a.Stop(ctx); err != nil {
		t.Errorf("idle Stop: %v", err)
	}

	// The bestmove elicited by stop must not resolve the next search.
	eng.SetAutoFinish(true)
	next, err := a.Search(ctx, model.SearchOptions{Position: "startpos", Depth: 2})
	if err != nil {
		t.Fatalf("next Search: %v", err)
	}
	if res, _ := next.Wait(ctx); res.BestMove != "e2e4" {
		t.Errorf("next best move = %q, want e2e4", res.BestMove)
	}
}

func TestEngineErrorRejectsTask(t *testing.T) {
	eng := enginetest.New()
	eng.SetAutoFinish(false)
	a := loadTestAdapter(t, eng)
	ctx := context.Background()

	tk, err := a.Search(ctx, model.SearchOptions{Position: "startpos", Depth: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	eng.Emit("info string ERROR: network file missing")
	if _, err := tk.Wait(ctx); !errors.Is(err, enginerr.ErrEngine) {
		t.Errorf("err = %v, want engine error", err)
	}
	waitStatus(t, a, model.StatusError)
}

func TestChannelFailureMovesToError(t *testing.T) {
	eng := enginetest.New()
	eng.SetAutoFinish(false)
	a := loadTestAdapter(t, eng)
	ctx := context.Background()

	tk, err := a.Search(ctx, model.SearchOptions{Position: "startpos", Depth: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	eng.Close()
	if _, err := tk.Wait(ctx); !errors.Is(err, enginerr.ErrNetwork) {
		t.Errorf("err = %v, want network", err)
	}
	waitStatus(t, a, model.StatusError)
}

func TestSetOption(t *testing.T) {
	eng := enginetest.New()
	a := newTestAdapter(t, eng)
	if err := a.SetOption(context.Background(), "Threads", "2"); !errors.Is(err, enginerr.ErrNotReady) {
		t.Errorf("before load err = %v", err)
	}
	if err := a.Load(context.Background(), loader.New(nil)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := a.SetOption(context.Background(), "Threads", "2"); err != nil {
		t.Fatalf("SetOption: %v", err)
	}
	if err := a.SetOption(context.Background(), "Threads\nquit", "2"); !errors.Is(err, enginerr.ErrValidation) {
		t.Errorf("injection err = %v", err)
	}
	if !slices.Contains(eng.Lines(), "setoption name Threads value 2") {
		t.Errorf("sent = %q", eng.Lines())
	}
}

func TestDisposeIsTerminalAndIdempotent(t *testing.T) {
	eng := enginetest.New()
	eng.SetAutoFinish(false)
	a := loadTestAdapter(t, eng)
	ctx := context.Background()
	a.OnInfo(func(model.Info) {})

	tk, _ := a.Search(ctx, model.SearchOptions{Position: "startpos", Depth: 5})
	if err := a.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := a.Dispose(ctx); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
	if _, err := tk.Wait(ctx); !errors.Is(err, enginerr.ErrAborted) {
		t.Errorf("task err = %v, want aborted", err)
	}
	if a.Status() != model.StatusTerminated {
		t.Errorf("status = %s", a.Status())
	}
	if a.infoL.Len() != 0 {
		t.Error("listeners not cleared")
	}
	if err := a.Load(ctx, loader.New(nil)); !errors.Is(err, enginerr.ErrNotReady) {
		t.Errorf("Load after dispose = %v", err)
	}
}

func waitStatus(t *testing.T, a *Adapter, want model.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for a.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want %s", a.Status(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
