// Package batch runs a queue of searches one after another on a single
// engine, with pause, resume, abort and priority interruption.
package batch

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/facade"
	"github.com/seantiz/enginebridge/internal/model"
)

// Engine is the part of a facade the analyzer drives.
type Engine interface {
	Analyze(ctx context.Context, opts model.SearchOptions) facade.Outcome
	Stop(ctx context.Context) error
}

// Progress is how far a batch has got.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// ProgressFunc is called after each item completes with the number of
// completed items, the queue length and the item's result.
type ProgressFunc func(index, total int, res model.Result)

// Analyzer is safe for concurrent use.
type Analyzer struct {
	eng    Engine
	logger *slog.Logger
	runs   singleflight.Group

	mu       sync.Mutex
	items    []model.SearchOptions
	results  []model.Result
	paused   bool
	aborted  bool
	resumed  chan struct{}
	inflight chan struct{}
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// New creates an analyzer over items.
func New(eng Engine, items []model.SearchOptions, opts ...Option) *Analyzer {
	a := &Analyzer{
		eng:    eng,
		logger: slog.Default(),
		items:  slices.Clone(items),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Enqueue appends items to the queue.
func (a *Analyzer) Enqueue(items ...model.SearchOptions) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, items...)
}

// AnalyzeAll works through the queue and returns the results in queue
// order. Concurrent calls share one run. A paused run waits for Resume; an
// aborted run returns the results gathered so far. Any failure other than a
// stopped or superseded search ends the run with that error.
func (a *Analyzer) AnalyzeAll(ctx context.Context, onProgress ProgressFunc) ([]model.Result, error) {
	ch := a.runs.DoChan("all", func() (any, error) {
		return a.run(ctx, onProgress)
	})
	select {
	case r := <-ch:
		res, _ := r.Val.([]model.Result)
		return res, r.Err
	case <-ctx.Done():
		return a.Results(), enginerr.Wrap(enginerr.KindOf(ctx.Err()), "analyze all", ctx.Err())
	}
}

func (a *Analyzer) run(ctx context.Context, onProgress ProgressFunc) ([]model.Result, error) {
	for {
		a.mu.Lock()
		if a.aborted || len(a.results) >= len(a.items) {
			a.mu.Unlock()
			return a.Results(), nil
		}
		if a.paused {
			resumed := a.resumed
			a.mu.Unlock()
			select {
			case <-resumed:
				continue
			case <-ctx.Done():
				return a.Results(), enginerr.Wrap(enginerr.KindOf(ctx.Err()), "analyze all", ctx.Err())
			}
		}
		item := a.items[len(a.results)]
		done := make(chan struct{})
		a.inflight = done
		a.mu.Unlock()

		out := a.eng.Analyze(ctx, item)

		a.mu.Lock()
		a.inflight = nil
		close(done)
		switch out.Kind {
		case facade.OutcomeOK:
			a.results = append(a.results, out.Result)
			index, total := len(a.results), len(a.items)
			a.mu.Unlock()
			if onProgress != nil {
				onProgress(index, total, out.Result)
			}
		case facade.OutcomeCancelled:
			a.mu.Unlock()
			if ctx.Err() != nil {
				return a.Results(), enginerr.Wrap(enginerr.KindOf(ctx.Err()), "analyze all", ctx.Err())
			}
			a.logger.Debug("batch search cancelled", "index", len(a.Results()))
		default:
			a.mu.Unlock()
			a.logger.Error("batch search failed", "error", out.Err)
			return a.Results(), out.Err
		}
	}
}

// Pause stops the batch after asking the engine to halt the search in
// flight. The interrupted item is searched again on Resume.
func (a *Analyzer) Pause(ctx context.Context) error {
	a.mu.Lock()
	if !a.paused {
		a.paused = true
		a.resumed = make(chan struct{})
	}
	busy := a.inflight != nil
	a.mu.Unlock()
	if busy {
		return a.eng.Stop(ctx)
	}
	return nil
}

// Resume lets a paused batch continue.
func (a *Analyzer) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused {
		a.paused = false
		close(a.resumed)
	}
}

// Abort ends the batch for good.
func (a *Analyzer) Abort(ctx context.Context) error {
	a.mu.Lock()
	a.aborted = true
	if a.paused {
		a.paused = false
		close(a.resumed)
	}
	busy := a.inflight != nil
	a.mu.Unlock()
	if busy {
		return a.eng.Stop(ctx)
	}
	return nil
}

// AnalyzePriority interrupts the batch for a one-off search. The batch is
// resumed afterwards unless it was already paused.
func (a *Analyzer) AnalyzePriority(ctx context.Context, opts model.SearchOptions) facade.Outcome {
	a.mu.Lock()
	wasPaused := a.paused
	a.mu.Unlock()

	if err := a.Pause(ctx); err != nil {
		a.logger.Warn("stopping batch search for priority search", "error", err)
	}
	if !wasPaused {
		defer a.Resume()
	}

	a.mu.Lock()
	inflight := a.inflight
	a.mu.Unlock()
	if inflight != nil {
		select {
		case <-inflight:
		case <-ctx.Done():
			return facade.Classify(model.Result{}, enginerr.Wrap(enginerr.KindOf(ctx.Err()), "analyze priority", ctx.Err()))
		}
	}
	return a.eng.Analyze(ctx, opts)
}

// Progress reports completed and total items.
func (a *Analyzer) Progress() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Progress{Current: len(a.results), Total: len(a.items)}
}

// Results returns the results gathered so far, in queue order.
func (a *Analyzer) Results() []model.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.results)
}

// Paused reports whether the batch is paused.
func (a *Analyzer) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}
