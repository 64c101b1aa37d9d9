package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/seantiz/enginebridge/internal/communicator"
	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/loader"
	"github.com/seantiz/enginebridge/internal/model"
	"github.com/seantiz/enginebridge/internal/transport"
)

// Load fetches resources, opens the channel and performs the handshakes.
// Loading a ready adapter is a no-op. Any failure unwinds what was set up
// and leaves the adapter in StatusError.
func (a *Adapter) Load(ctx context.Context, ld ResourceLoader) error {
	if ld == nil {
		return enginerr.Internal("load", "no resource loader").WithEngine(a.cfg.ID)
	}

	a.mu.Lock()
	switch {
	case a.status.Accepting():
		a.mu.Unlock()
		return nil
	case a.status.Terminal():
		a.mu.Unlock()
		return enginerr.New(enginerr.KindNotReady, "load", "engine has been disposed").WithEngine(a.cfg.ID)
	case a.status == model.StatusLoading:
		a.mu.Unlock()
		return enginerr.New(enginerr.KindInternal, "load", "load already in progress").WithEngine(a.cfg.ID)
	}
	stale := a.detachLocked()
	changed := a.transitionLocked(model.StatusLoading)
	a.ld = ld
	a.lastErr = nil
	a.mu.Unlock()
	stale.close()
	a.emitStatus(changed, model.StatusLoading)

	start := time.Now()
	err := a.load(ctx, ld)
	a.mu.Lock()
	if err == nil && a.status != model.StatusLoading {
		err = a.leftLoadingLocked()
	}
	if err != nil {
		a.mu.Unlock()
		nerr := enginerr.Normalize("load", a.cfg.ID, err)
		a.fail(nerr)
		return nerr
	}
	changed = a.transitionLocked(model.StatusReady)
	a.mu.Unlock()
	loadDuration.WithLabelValues(a.parser.Name()).Observe(time.Since(start).Seconds())
	a.progress(model.PhaseReady, progressReady)
	a.emitStatus(changed, model.StatusReady)
	a.logger.Info("engine ready", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (a *Adapter) load(ctx context.Context, ld ResourceLoader) error {
	a.progress(model.PhaseResources, 0)
	handles, err := ld.LoadResources(ctx, a.cfg.ID, a.cfg.Sources, a.resourceProgress())
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.handles = handles
	a.mu.Unlock()

	target := transport.Target{
		Endpoint: a.cfg.Endpoint,
		Name:     a.cfg.ID,
		Args:     a.cfg.Args,
	}
	if primary, ok := handles[a.cfg.Primary()]; ok {
		target.Blob = primary
		if target.Endpoint == "" {
			target.Endpoint = primary.URL()
		}
	}

	a.progress(model.PhaseChannel, progressChannel)
	comm := communicator.New(a.dialer,
		communicator.WithOrigin(a.origin),
		communicator.WithLogger(a.logger))
	a.mu.Lock()
	a.comm = comm
	a.mu.Unlock()
	if err := comm.Open(ctx, target); err != nil {
		return err
	}
	go a.watch(comm)

	if a.cfg.HasMounts() {
		a.progress(model.PhaseInject, progressInject)
		if err := a.inject(ctx, comm, handles); err != nil {
			return err
		}
	}

	hctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	a.mu.Lock()
	a.abortLoad = abort
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.abortLoad = nil
		a.mu.Unlock()
	}()

	unsub := comm.Subscribe(a.handleMessage)
	a.mu.Lock()
	a.unsub = unsub
	a.mu.Unlock()

	a.progress(model.PhaseHandshake, progressHandshake)
	for _, cmd := range a.parser.HandshakeCommands() {
		if err := comm.Send(cmd); err != nil {
			return err
		}
	}
	_, err = comm.Expect(hctx, communicator.LinePredicate(a.parser.IsReady), a.handshakeTimeout)
	if lerr := a.leftLoading(); lerr != nil {
		return lerr
	}
	return err
}

// leftLoading reports the error that moved the adapter out of StatusLoading
// while the handshake was pending.
func (a *Adapter) leftLoading() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leftLoadingLocked()
}

func (a *Adapter) leftLoadingLocked() error {
	if a.status == model.StatusLoading {
		return nil
	}
	if a.lastErr != nil {
		return a.lastErr
	}
	return enginerr.New(enginerr.KindAborted, "load", "engine left loading during the handshake").WithEngine(a.cfg.ID)
}

// inject ships every mounted resource and waits for the acknowledgement.
func (a *Adapter) inject(ctx context.Context, comm *communicator.Communicator, handles map[string]*loader.Handle) error {
	var resources []transport.Resource
	for _, role := range a.cfg.Roles() {
		h, ok := handles[role]
		if !ok || h.MountPath() == "" {
			continue
		}
		data, err := h.Bytes()
		if err != nil {
			return err
		}
		resources = append(resources, transport.Resource{Path: h.MountPath(), Data: data})
	}
	if err := comm.SendMessage(transport.Message{Type: transport.MsgInjectResources, Resources: resources}); err != nil {
		return err
	}
	_, err := comm.Expect(ctx, communicator.TypePredicate(transport.MsgResourcesReady), a.injectTimeout)
	return err
}

// resourceProgress folds per-role byte counts into the resources phase.
func (a *Adapter) resourceProgress() loader.ProgressFunc {
	var mu sync.Mutex
	received := make(map[string]int64)
	totals := make(map[string]int64)
	for role, src := range a.cfg.Sources {
		totals[role] = src.Size
	}
	return func(role string, n, total int64) {
		mu.Lock()
		received[role] = n
		if total > 0 {
			totals[role] = total
		}
		var sumN, sumT int64
		for r, t := range totals {
			sumT += t
			sumN += min(received[r], t)
		}
		mu.Unlock()
		if sumT > 0 {
			a.progress(model.PhaseResources, float64(progressResourcesEnd)*float64(sumN)/float64(sumT))
		}
	}
}

// watch turns an unexpected channel failure into StatusError.
func (a *Adapter) watch(comm *communicator.Communicator) {
	<-comm.Done()
	err := comm.Err()
	if err == nil {
		return
	}
	a.mu.Lock()
	if a.comm != comm {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.logger.Error("engine channel failed", "error", err)
	a.fail(enginerr.Normalize("channel", a.cfg.ID, err))
}

// fail rejects the outstanding task, tears down the channel and moves to
// StatusError. Cleanup happens before the status change is announced.
func (a *Adapter) fail(err *enginerr.Error) {
	a.mu.Lock()
	if a.status.Terminal() {
		a.mu.Unlock()
		return
	}
	t := a.current
	a.current = nil
	d := a.detachLocked()
	handles := a.handles
	a.handles = nil
	ld := a.ld
	a.lastErr = err
	changed := a.transitionLocked(model.StatusError)
	a.mu.Unlock()

	if t != nil {
		t.Reject(err)
		searchesTotal.WithLabelValues(a.parser.Name(), outcomeChannel).Inc()
	}
	d.close()
	if ld != nil {
		for _, h := range handles {
			ld.Revoke(h)
		}
	}
	a.emitStatus(changed, model.StatusError)
}

// detached holds a channel taken off the adapter, to be closed unlocked.
type detached struct {
	comm  *communicator.Communicator
	unsub func()
}

func (d detached) close() {
	if d.unsub != nil {
		d.unsub()
	}
	if d.comm != nil {
		d.comm.Close()
	}
}

func (a *Adapter) detachLocked() detached {
	d := detached{comm: a.comm, unsub: a.unsub}
	a.comm = nil
	a.unsub = nil
	a.stale = 0
	if a.drained != nil {
		close(a.drained)
		a.drained = nil
	}
	return d
}
