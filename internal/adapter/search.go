package adapter

import (
	"context"
	"time"

	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/model"
	"github.com/seantiz/enginebridge/internal/protocol"
	"github.com/seantiz/enginebridge/internal/task"
	"github.com/seantiz/enginebridge/internal/transport"
)

// Search translates opts with the parser and starts a search.
func (a *Adapter) Search(ctx context.Context, opts model.SearchOptions) (*task.Task, error) {
	if !a.Status().Accepting() {
		return nil, a.notReady("search")
	}
	cmds, err := a.parser.SearchCommands(opts)
	if err != nil {
		return nil, enginerr.Normalize("search", a.cfg.ID, err)
	}
	return a.SearchRaw(ctx, "", cmds)
}

// SearchRaw sends prepared commands as a new search tagged with positionID.
// A search already in flight is aborted first and its final result drained
// before the new commands go out.
func (a *Adapter) SearchRaw(ctx context.Context, positionID string, commands []string) (*task.Task, error) {
	a.searchMu.Lock()
	defer a.searchMu.Unlock()

	a.mu.Lock()
	if !a.status.Accepting() {
		a.mu.Unlock()
		return nil, a.notReady("search")
	}
	comm := a.comm
	prev := a.current
	if prev != nil {
		a.current = nil
		a.markStaleLocked()
	}
	a.mu.Unlock()

	if prev != nil {
		prev.Reject(enginerr.New(enginerr.KindAborted, "search", "superseded by a newer search").WithEngine(a.cfg.ID))
		searchesTotal.WithLabelValues(a.parser.Name(), outcomeAborted).Inc()
		if err := comm.Send(a.parser.StopCommand()); err != nil {
			nerr := enginerr.Normalize("search", a.cfg.ID, err)
			a.fail(nerr)
			return nil, nerr
		}
	}
	if err := a.awaitDrain(ctx); err != nil {
		a.mu.Lock()
		changed := false
		if a.current == nil && a.status == model.StatusBusy {
			changed = a.transitionLocked(model.StatusReady)
		}
		a.mu.Unlock()
		a.emitStatus(changed, model.StatusReady)
		return nil, err
	}

	var t *task.Task
	t = task.New(positionID, func() { a.stopTask(t) })

	a.mu.Lock()
	if !a.status.Accepting() || a.comm != comm {
		a.mu.Unlock()
		return nil, a.notReady("search")
	}
	a.current = t
	changed := a.transitionLocked(model.StatusBusy)
	a.mu.Unlock()
	a.emitStatus(changed, model.StatusBusy)

	for _, cmd := range commands {
		if err := comm.Send(cmd); err != nil {
			nerr := enginerr.Normalize("search", a.cfg.ID, err)
			a.fail(nerr)
			return nil, nerr
		}
	}
	return t, nil
}

// markStaleLocked records that one more final result belongs to an abandoned
// search and must be discarded.
func (a *Adapter) markStaleLocked() {
	if a.stale == 0 {
		a.drained = make(chan struct{})
	}
	a.stale++
}

// awaitDrain waits until every abandoned search has delivered its final
// result. Engines that never answer a stop are given up on after the drain
// timeout.
func (a *Adapter) awaitDrain(ctx context.Context) error {
	a.mu.Lock()
	drained := a.drained
	a.mu.Unlock()
	if drained == nil {
		return nil
	}

	timer := time.NewTimer(a.drainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		return nil
	case <-timer.C:
		a.mu.Lock()
		if a.drained == drained {
			a.logger.Warn("superseded search did not finish, continuing", "pending", a.stale)
			a.stale = 0
			close(a.drained)
			a.drained = nil
		}
		a.mu.Unlock()
		staleDrainTimeoutsTotal.Inc()
		return nil
	case <-ctx.Done():
		return enginerr.Wrap(enginerr.KindOf(ctx.Err()), "search", ctx.Err())
	}
}

func (a *Adapter) stopTask(t *task.Task) {
	a.mu.Lock()
	current := a.current == t
	a.mu.Unlock()
	if current {
		a.Stop(context.Background())
	}
}

// Stop halts a busy search: the engine is asked to stop, the task is
// settled as aborted and the adapter returns to ready without waiting for
// the engine. Stopping an idle adapter is a no-op.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.status != model.StatusBusy {
		a.mu.Unlock()
		return nil
	}
	t := a.current
	a.current = nil
	a.markStaleLocked()
	comm := a.comm
	changed := a.transitionLocked(model.StatusReady)
	a.mu.Unlock()

	if t != nil {
		t.Reject(enginerr.New(enginerr.KindAborted, "stop", "search stopped").WithEngine(a.cfg.ID))
		searchesTotal.WithLabelValues(a.parser.Name(), outcomeAborted).Inc()
	}
	a.emitStatus(changed, model.StatusReady)
	if err := comm.Send(a.parser.StopCommand()); err != nil {
		return enginerr.Normalize("stop", a.cfg.ID, err)
	}
	return nil
}

// SetOption sends an engine option.
func (a *Adapter) SetOption(ctx context.Context, name, value string) error {
	a.mu.Lock()
	comm := a.comm
	accepting := a.status.Accepting()
	a.mu.Unlock()
	if !accepting {
		return a.notReady("set option")
	}
	cmd, err := a.parser.OptionCommand(name, value)
	if err != nil {
		return enginerr.Normalize("set option", a.cfg.ID, err)
	}
	if err := comm.Send(cmd); err != nil {
		return enginerr.Normalize("set option", a.cfg.ID, err)
	}
	return nil
}

// Dispose aborts any search, closes the channel, releases the adapter's
// resources and clears every listener. It is idempotent.
func (a *Adapter) Dispose(ctx context.Context) error {
	a.mu.Lock()
	if a.status.Terminal() {
		a.mu.Unlock()
		return nil
	}
	t := a.current
	a.current = nil
	d := a.detachLocked()
	handles := a.handles
	a.handles = nil
	ld := a.ld
	changed := a.transitionLocked(model.StatusTerminated)
	a.mu.Unlock()

	if t != nil {
		t.Reject(enginerr.New(enginerr.KindAborted, "dispose", "engine disposed").WithEngine(a.cfg.ID))
	}
	d.close()
	if ld != nil {
		for _, h := range handles {
			ld.Revoke(h)
		}
	}
	a.emitStatus(changed, model.StatusTerminated)

	a.statusL.Clear()
	a.infoL.Clear()
	a.resultL.Clear()
	a.progressL.Clear()
	a.logger.Info("engine disposed")
	return nil
}

// handleMessage classifies one inbound message: engine error, info, result.
func (a *Adapter) handleMessage(msg transport.Message) {
	switch msg.Type {
	case transport.MsgError:
		a.engineError(enginerr.KindEngine, msg.Error)
		return
	case transport.MsgLine:
	default:
		return
	}
	line := msg.Line

	if tr, ok := a.parser.(protocol.ErrorTranslator); ok {
		if kind, ok := tr.TranslateError(line); ok {
			a.engineError(kind, line)
			return
		}
	}

	if info, ok := a.parser.ParseInfo(line); ok {
		a.mu.Lock()
		t := a.current
		if a.stale > 0 || t == nil {
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
		info.PositionID = t.PositionID()
		t.Push(info)
		a.infoL.Emit(info)
		return
	}

	if res, ok := a.parser.ParseResult(line); ok {
		a.mu.Lock()
		if a.stale > 0 {
			a.stale--
			if a.stale == 0 && a.drained != nil {
				close(a.drained)
				a.drained = nil
			}
			a.mu.Unlock()
			return
		}
		t := a.current
		a.current = nil
		changed := false
		if a.status == model.StatusBusy {
			changed = a.transitionLocked(model.StatusReady)
		}
		a.mu.Unlock()
		a.emitStatus(changed, model.StatusReady)

		if t == nil {
			a.logger.Debug("dropping unsolicited result", "line", line)
			return
		}
		res.PositionID = t.PositionID()
		if t.Resolve(res) {
			searchesTotal.WithLabelValues(a.parser.Name(), outcomeCompleted).Inc()
		}
		a.resultL.Emit(res)
	}
}

// engineError rejects the outstanding task and moves to StatusError. The
// channel stays open so the engine's further output is still logged until
// the next Load or Dispose.
func (a *Adapter) engineError(kind enginerr.Kind, detail string) {
	err := enginerr.New(kind, "engine", "%s", detail).WithEngine(a.cfg.ID)

	a.mu.Lock()
	if a.status.Terminal() {
		a.mu.Unlock()
		return
	}
	t := a.current
	a.current = nil
	a.lastErr = err
	var abort context.CancelCauseFunc
	if a.status == model.StatusLoading {
		abort = a.abortLoad
	}
	changed := a.transitionLocked(model.StatusError)
	a.mu.Unlock()

	a.logger.Error("engine reported error", "detail", detail)
	if abort != nil {
		abort(err)
	}
	if t != nil {
		t.Reject(err)
		searchesTotal.WithLabelValues(a.parser.Name(), outcomeEngineFail).Inc()
	}
	a.emitStatus(changed, model.StatusError)
}

func (a *Adapter) notReady(op string) error {
	return enginerr.New(enginerr.KindNotReady, op, "engine is %s", a.Status()).WithEngine(a.cfg.ID)
}
