package task

import (
	"context"
	"sync"

	"github.com/seantiz/enginebridge/internal/model"
)

// queue is an unbounded FIFO with a close marker. notify has capacity one and
// is closed together with the queue, so waiters always wake on close.
type queue struct {
	mu     sync.Mutex
	items  []model.Info
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(info model.Info) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, info)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) close(drop bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if drop {
		q.items = nil
	}
	close(q.notify)
}

func (q *queue) next(ctx context.Context) (model.Info, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			info := q.items[0]
			q.items[0] = model.Info{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return info, true
		}
		if q.closed {
			q.mu.Unlock()
			return model.Info{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return model.Info{}, false
		}
	}
}
