// Package task implements the search task handed back to callers: a lazily
// consumed stream of Info reports that is closed when the search ends, and a
// result that settles exactly once.
package task

import (
	"context"
	"iter"
	"sync"

	"github.com/seantiz/enginebridge/internal/model"
)

// Task is one in-flight search. Info delivery never blocks the producer: the
// queue is unbounded and consumers pull at their own pace.
type Task struct {
	positionID string
	queue      *queue

	once   sync.Once
	done   chan struct{}
	result model.Result
	err    error

	stop func()
}

// New creates a task. stop is invoked by Stop and may be nil.
func New(positionID string, stop func()) *Task {
	return &Task{
		positionID: positionID,
		queue:      newQueue(),
		done:       make(chan struct{}),
		stop:       stop,
	}
}

// PositionID returns the correlation token stamped on the task, if any.
func (t *Task) PositionID() string {
	return t.positionID
}

// Push appends an info report. Reports pushed after the task settles are dropped.
func (t *Task) Push(info model.Info) {
	t.queue.push(info)
}

// Next blocks until the next info report is available. It returns false once
// the stream is closed and drained, or when ctx is done.
func (t *Task) Next(ctx context.Context) (model.Info, bool) {
	return t.queue.next(ctx)
}

// Infos returns an iterator over the info stream. The iteration ends when the
// task settles (after remaining reports are drained) or ctx is done.
func (t *Task) Infos(ctx context.Context) iter.Seq[model.Info] {
	return func(yield func(model.Info) bool) {
		for {
			info, ok := t.queue.next(ctx)
			if !ok || !yield(info) {
				return
			}
		}
	}
}

// Resolve settles the task successfully. Pending info reports stay readable.
// It reports whether this call settled the task.
func (t *Task) Resolve(res model.Result) bool {
	return t.settle(res, nil, false)
}

// Reject settles the task with err. Pending info reports are discarded, so a
// consumer ranging over Infos stops promptly.
func (t *Task) Reject(err error) bool {
	return t.settle(model.Result{}, err, true)
}

func (t *Task) settle(res model.Result, err error, drop bool) bool {
	settled := false
	t.once.Do(func() {
		t.result = res
		t.err = err
		t.queue.close(drop)
		close(t.done)
		settled = true
	})
	return settled
}

// Done is closed when the task settles.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task settles or ctx is done.
func (t *Task) Wait(ctx context.Context) (model.Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return model.Result{}, ctx.Err()
	}
}

// Settled reports whether the task has settled.
func (t *Task) Settled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Stop asks the owner to halt the search. The task settles through the
// owner, not here.
func (t *Task) Stop() {
	if t.stop != nil {
		t.stop()
	}
}
