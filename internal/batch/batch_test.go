package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/enginebridge/internal/adapter"
	"github.com/seantiz/enginebridge/internal/capability"
	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/enginetest"
	"github.com/seantiz/enginebridge/internal/facade"
	"github.com/seantiz/enginebridge/internal/loader"
	"github.com/seantiz/enginebridge/internal/model"
	"github.com/seantiz/enginebridge/internal/protocol"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubEngine blocks each search until the test finishes or stops it.
type stubEngine struct {
	auto    bool
	started chan model.SearchOptions
	finish  chan facade.Outcome
	stopped chan struct{}
	stops   atomic.Int32
}

func newStub(auto bool) *stubEngine {
	return &stubEngine{
		auto:    auto,
		started: make(chan model.SearchOptions, 16),
		finish:  make(chan facade.Outcome),
		stopped: make(chan struct{}, 1),
	}
}

func (s *stubEngine) Analyze(ctx context.Context, opts model.SearchOptions) facade.Outcome {
	s.started <- opts
	if s.auto {
		return ok(opts.Position)
	}
	select {
	case o := <-s.finish:
		return o
	case <-s.stopped:
		return facade.Classify(model.Result{}, enginerr.New(enginerr.KindAborted, "stop", "stopped"))
	case <-ctx.Done():
		return facade.Classify(model.Result{}, ctx.Err())
	}
}

func (s *stubEngine) Stop(context.Context) error {
	s.stops.Add(1)
	select {
	case s.stopped <- struct{}{}:
	default:
	}
	return nil
}

func ok(move string) facade.Outcome {
	return facade.Outcome{Kind: facade.OutcomeOK, Result: model.Result{BestMove: move}}
}

func items(positions ...string) []model.SearchOptions {
	out := make([]model.SearchOptions, len(positions))
	for i, p := range positions {
		out[i] = model.SearchOptions{Position: p, Depth: 1}
	}
	return out
}

func expectStart(t *testing.T, s *stubEngine, position string) {
	t.Helper()
	select {
	case got := <-s.started:
		if got.Position != position {
			t.Fatalf("started %q, want %q", got.Position, position)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("search for %q never started", position)
	}
}

func expectIdle(t *testing.T, s *stubEngine) {
	t.Helper()
	select {
	case got := <-s.started:
		t.Fatalf("unexpected search for %q", got.Position)
	case <-time.After(50 * time.Millisecond):
	}
}

type runResult struct {
	results []model.Result
	err     error
}

func start(a *Analyzer, onProgress ProgressFunc) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		res, err := a.AnalyzeAll(context.Background(), onProgress)
		ch <- runResult{res, err}
	}()
	return ch
}

func TestAnalyzeAllRunsQueueInOrder(t *testing.T) {
	a := New(newStub(true), items("a", "b", "c"), WithLogger(discard))

	type report struct{ index, total int }
	var reports []report
	res, err := a.AnalyzeAll(context.Background(), func(index, total int, r model.Result) {
		reports = append(reports, report{index, total})
	})
	if err != nil {
		t.Fatalf("AnalyzeAll: %v", err)
	}
	if len(res) != 3 || res[0].BestMove != "a" || res[2].BestMove != "c" {
		t.Errorf("results = %+v", res)
	}
	want := []report{{1, 3}, {2, 3}, {3, 3}}
	for i, r := range reports {
		if r != want[i] {
			t.Errorf("report[%d] = %+v, want %+v", i, r, want[i])
		}
	}
	if p := a.Progress(); p != (Progress{Current: 3, Total: 3}) {
		t.Errorf("Progress = %+v", p)
	}
}

func TestPauseHaltsUntilResume(t *testing.T) {
	s := newStub(false)
	a := New(s, items("a", "b"), WithLogger(discard))
	done := start(a, nil)

	expectStart(t, s, "a")
	if err := a.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if s.stops.Load() != 1 {
		t.Errorf("engine stops = %d, want 1", s.stops.Load())
	}
	expectIdle(t, s)
	if p := a.Progress(); p.Current != 0 {
		t.Errorf("Progress while paused = %+v", p)
	}

	a.Resume()
	expectStart(t, s, "a")
	s.finish <- ok("a")
	expectStart(t, s, "b")
	s.finish <- ok("b")

	r := <-done
	if r.err != nil || len(r.results) != 2 {
		t.Errorf("run = %+v", r)
	}
}

func TestAbortStopsLoop(t *testing.T) {
	s := newStub(false)
	a := New(s, items("a", "b", "c"), WithLogger(discard))
	done := start(a, nil)

	expectStart(t, s, "a")
	s.finish <- ok("a")
	expectStart(t, s, "b")
	if err := a.Abort(context.Background()); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	r := <-done
	if r.err != nil {
		t.Errorf("err = %v", r.err)
	}
	if len(r.results) != 1 {
		t.Errorf("results = %d, want 1", len(r.results))
	}
	expectIdle(t, s)
}

func TestAbortWhilePausedEndsRun(t *testing.T) {
	s := newStub(false)
	a := New(s, items("a"), WithLogger(discard))
	a.Pause(context.Background())
	done := start(a, nil)
	expectIdle(t, s)

	a.Abort(context.Background())
	if r := <-done; r.err != nil || len(r.results) != 0 {
		t.Errorf("run = %+v", r)
	}
}

func TestFailureIsFatal(t *testing.T) {
	s := newStub(false)
	a := New(s, items("a", "b", "c"), WithLogger(discard))
	done := start(a, nil)

	expectStart(t, s, "a")
	s.finish <- ok("a")
	expectStart(t, s, "b")
	boom := enginerr.New(enginerr.KindEngine, "engine", "crashed")
	s.finish <- facade.Classify(model.Result{}, boom)

	r := <-done
	if !errors.Is(r.err, enginerr.ErrEngine) {
		t.Errorf("err = %v, want engine error", r.err)
	}
	if len(r.results) != 1 {
		t.Errorf("results = %d, want 1", len(r.results))
	}
	expectIdle(t, s)
}

func TestAnalyzeAllIsSingleFlight(t *testing.T) {
	s := newStub(false)
	a := New(s, items("a"), WithLogger(discard))
	first := start(a, nil)
	expectStart(t, s, "a")
	second := start(a, nil)
	expectIdle(t, s)

	s.finish <- ok("a")
	r1, r2 := <-first, <-second
	if len(r1.results) != 1 || len(r2.results) != 1 {
		t.Errorf("results = %d and %d, want 1 and 1", len(r1.results), len(r2.results))
	}
}

func TestAnalyzePriorityInterruptsAndResumes(t *testing.T) {
	s := newStub(false)
	a := New(s, items("a", "b"), WithLogger(discard))
	done := start(a, nil)
	expectStart(t, s, "a")

	prio := make(chan facade.Outcome, 1)
	go func() { prio <- a.AnalyzePriority(context.Background(), model.SearchOptions{Position: "urgent"}) }()

	expectStart(t, s, "urgent")
	s.finish <- ok("urgent")
	if o := <-prio; !o.OK() || o.Result.BestMove != "urgent" {
		t.Errorf("priority outcome = %+v", o)
	}

	// The interrupted item runs again, then the rest of the batch.
	expectStart(t, s, "a")
	s.finish <- ok("a")
	expectStart(t, s, "b")
	s.finish <- ok("b")
	if r := <-done; r.err != nil || len(r.results) != 2 {
		t.Errorf("run = %+v", r)
	}
}

func TestAnalyzePriorityKeepsCallerPause(t *testing.T) {
	s := newStub(true)
	a := New(s, items("a"), WithLogger(discard))
	a.Pause(context.Background())

	if o := a.AnalyzePriority(context.Background(), model.SearchOptions{Position: "urgent"}); !o.OK() {
		t.Fatalf("outcome = %+v", o)
	}
	if !a.Paused() {
		t.Error("batch resumed although it was paused before the priority search")
	}
}

func TestAnalyzeAllOverFacade(t *testing.T) {
	eng := enginetest.New()
	ad, err := adapter.New(model.EngineConfig{ID: "batch", Protocol: model.ProtocolUCI, Endpoint: "vsock://3:1024"}, protocol.UCI{},
		adapter.WithDialer(enginetest.NewDialer(eng)), adapter.WithLogger(discard))
	if err != nil {
		t.Fatalf("adapter.New: %v", err)
	}
	ld := loader.New(nil)
	f := facade.New(ad,
		facade.WithLoader(func() adapter.ResourceLoader { return ld }),
		facade.WithProber(capability.Static{}),
		facade.WithLogger(discard),
		facade.Owning())
	defer f.Dispose(context.Background())
	if err := f.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var mu sync.Mutex
	calls := 0
	a := New(f, items("startpos", "startpos"), WithLogger(discard))
	res, err := a.AnalyzeAll(context.Background(), func(int, int, model.Result) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("AnalyzeAll: %v", err)
	}
	if len(res) != 2 || res[0].BestMove != "e2e4" || res[1].BestMove != "e2e4" {
		t.Errorf("results = %+v", res)
	}
	if calls != 2 {
		t.Errorf("progress calls = %d, want 2", calls)
	}
}
