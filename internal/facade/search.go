package facade

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/events"
	"github.com/seantiz/enginebridge/internal/middleware"
	"github.com/seantiz/enginebridge/internal/model"
	"github.com/seantiz/enginebridge/internal/task"
)

// Search outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Outcome is the tagged result of Analyze. Err is set unless Kind is
// OutcomeOK.
type Outcome struct {
	Kind   string
	Result model.Result
	Err    error
}

// OK reports whether the search completed.
func (o Outcome) OK() bool { return o.Kind == OutcomeOK }

// Cancelled reports whether the search was stopped or superseded.
func (o Outcome) Cancelled() bool { return o.Kind == OutcomeCancelled }

// Classify turns a search error into an Outcome.
func Classify(res model.Result, err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Kind: OutcomeOK, Result: res}
	case enginerr.IsControl(err):
		return Outcome{Kind: OutcomeCancelled, Err: err}
	default:
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
}

// Search starts a search under a fresh PositionID, superseding any search in
// flight. Commands pass through OnCommand middleware; infos and the result
// pass through OnInfo and OnResult middleware and are dropped once a newer
// search has started.
func (f *Facade) Search(ctx context.Context, opts model.SearchOptions) (*task.Task, error) {
	if f.isDisposed() {
		return nil, enginerr.New(enginerr.KindNotReady, "search", "facade disposed").WithEngine(f.ID())
	}
	if s := f.ad.Status(); !s.Accepting() {
		return nil, enginerr.New(enginerr.KindNotReady, "search", "engine is %s", s).WithEngine(f.ID())
	}

	f.searchMu.Lock()
	defer f.searchMu.Unlock()

	pos := model.NewPositionID()
	mc := middleware.Context{EngineID: f.ID(), PositionID: pos, Options: opts}
	cmds, err := f.ad.Parser().SearchCommands(opts)
	if err != nil {
		return nil, enginerr.Normalize("search", f.ID(), err)
	}
	cmds = f.chain.Commands(f.logger, mc, cmds)

	f.delivery.Lock()
	f.mu.Lock()
	f.activePos = pos
	f.mu.Unlock()
	f.delivery.Unlock()

	start := time.Now()
	inner, err := f.ad.SearchRaw(ctx, pos, cmds)
	if err != nil {
		f.telemetry(pos, start, 0, err)
		return nil, err
	}
	out := task.New(pos, inner.Stop)
	go f.forward(mc, inner, out, start)
	return out, nil
}

// Analyze runs one search to completion and reports a tagged outcome
// instead of a control error.
func (f *Facade) Analyze(ctx context.Context, opts model.SearchOptions) Outcome {
	t, err := f.Search(ctx, opts)
	if err != nil {
		return Classify(model.Result{}, err)
	}
	res, err := t.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		t.Stop()
	}
	return Classify(res, err)
}

// forward relays one adapter task to the caller's task through the
// middleware pipeline, dropping everything once pos is superseded.
func (f *Facade) forward(mc middleware.Context, inner, out *task.Task, start time.Time) {
	infos := 0
	for info := range inner.Infos(context.Background()) {
		if info.PositionID != mc.PositionID || f.stale(mc.PositionID) {
			continue
		}
		info = f.chain.Info(f.logger, mc, info)
		if f.deliverInfo(mc.PositionID, out, info) {
			infos++
		}
	}

	res, err := inner.Wait(context.Background())
	if err == nil && f.stale(mc.PositionID) {
		err = f.superseded()
	}
	if err == nil {
		res = f.chain.Result(f.logger, mc, res)
		// Middleware side effects are not rolled back when the result turns
		// stale while it runs.
		if f.stale(mc.PositionID) {
			err = f.superseded()
		}
	}
	if err != nil {
		if !errors.Is(err, enginerr.ErrCancelled) && f.stale(mc.PositionID) {
			err = f.superseded()
		}
		out.Reject(err)
		f.telemetry(mc.PositionID, start, infos, err)
		return
	}
	if !f.deliverResult(mc.PositionID, out, res) {
		err = f.superseded()
		out.Reject(err)
		f.telemetry(mc.PositionID, start, infos, err)
		return
	}
	f.telemetry(mc.PositionID, start, infos, nil)
}

// deliverInfo hands info to the caller and listeners unless pos went stale.
func (f *Facade) deliverInfo(pos string, out *task.Task, info model.Info) bool {
	f.delivery.RLock()
	defer f.delivery.RUnlock()
	if f.stale(pos) {
		return false
	}
	out.Push(info)
	f.infoL.Emit(info)
	f.publish(events.TypeInfo, info)
	return true
}

// deliverResult resolves out and notifies listeners unless pos went stale.
func (f *Facade) deliverResult(pos string, out *task.Task, res model.Result) bool {
	f.delivery.RLock()
	defer f.delivery.RUnlock()
	if f.stale(pos) {
		return false
	}
	out.Resolve(res)
	f.resultL.Emit(res)
	f.publish(events.TypeResult, res)
	return true
}

// stale reports whether pos is no longer the active search.
func (f *Facade) stale(pos string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activePos != pos
}

func (f *Facade) superseded() error {
	return enginerr.New(enginerr.KindCancelled, "search", "superseded by a newer search").WithEngine(f.ID())
}

func (f *Facade) telemetry(pos string, start time.Time, infos int, err error) {
	o := Classify(model.Result{}, err)
	tm := events.Telemetry{
		PositionID: pos,
		Outcome:    o.Kind,
		DurationMS: time.Since(start).Milliseconds(),
		Infos:      infos,
	}
	if err != nil {
		tm.Error = err.Error()
	}
	f.telemetryL.Emit(tm)
	f.publish(events.TypeTelemetry, tm)
}
