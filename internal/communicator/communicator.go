// Package communicator correlates requests and replies over one engine
// channel. Inbound messages first satisfy pending expectations in
// registration order; the rest are broadcast to subscribers and kept in a
// bounded replay buffer for later expectations.
package communicator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/transport"
)

// DefaultBufferSize is the capacity of the replay buffer.
const DefaultBufferSize = 100

// dropWarnInterval spaces out buffer overflow warnings.
const dropWarnInterval = 30 * time.Second

// Predicate selects a message. Predicates run with the communicator locked
// and must not call back into it.
type Predicate func(transport.Message) bool

// LinePredicate matches line messages for which fn returns true.
func LinePredicate(fn func(line string) bool) Predicate {
	return func(m transport.Message) bool {
		return m.Type == transport.MsgLine && fn(m.Line)
	}
}

// TypePredicate matches messages of the given type.
func TypePredicate(typ string) Predicate {
	return func(m transport.Message) bool { return m.Type == typ }
}

type expectResult struct {
	msg transport.Message
	err error
}

type expectation struct {
	pred    Predicate
	ch      chan expectResult
	settled bool
}

// Communicator owns exactly one channel.
type Communicator struct {
	dialer     transport.Dialer
	origin     string
	bufferSize int
	logger     *slog.Logger

	mu      sync.Mutex
	tr      transport.Transport
	pending []*expectation
	buffer  []transport.Message
	subs    map[int]func(transport.Message)
	nextSub int
	closed  bool
	err     error

	dropWarn rate.Sometimes
	dropped  int // since the last warning

	done     chan struct{}
	doneOnce sync.Once
}

// Option configures a Communicator.
type Option func(*Communicator)

// WithOrigin sets the origin network endpoints must match.
func WithOrigin(origin string) Option {
	return func(c *Communicator) { c.origin = origin }
}

// WithBufferSize overrides DefaultBufferSize.
func WithBufferSize(n int) Option {
	return func(c *Communicator) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Communicator) { c.logger = l }
}

// New creates a communicator that opens channels with dialer.
func New(dialer transport.Dialer, opts ...Option) *Communicator {
	c := &Communicator{
		dialer:     dialer,
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
		subs:       make(map[int]func(transport.Message)),
		done:       make(chan struct{}),
		dropWarn:   rate.Sometimes{First: 1, Interval: dropWarnInterval},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open validates the endpoint and opens the channel. A communicator opens
// at most once.
func (c *Communicator) Open(ctx context.Context, target transport.Target) error {
	if err := ValidateEndpoint(target.Endpoint, c.origin); err != nil {
		return err
	}

	c.mu.Lock()
	if c.tr != nil || c.closed {
		c.mu.Unlock()
		return enginerr.Internal("open channel", "channel already opened")
	}
	c.mu.Unlock()

	tr, err := c.dialer.Dial(ctx, target)
	if err != nil {
		return enginerr.Network("open channel", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		tr.Close()
		return enginerr.New(enginerr.KindAborted, "open channel", "communicator closed while opening")
	}
	c.tr = tr
	c.mu.Unlock()

	go c.readLoop(tr)
	return nil
}

// Attach adopts an already open transport.
func (c *Communicator) Attach(tr transport.Transport) {
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	go c.readLoop(tr)
}

func (c *Communicator) readLoop(tr transport.Transport) {
	for msg := range tr.Messages() {
		messagesTotal.WithLabelValues("in").Inc()
		c.dispatch(msg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	cause := tr.Err()
	if cause == nil {
		cause = transport.ErrExited
	}
	c.err = enginerr.Network("channel", cause)
	c.failPendingLocked(c.err)
	c.doneOnce.Do(func() { close(c.done) })
	c.logger.Warn("engine channel ended", "error", cause)
}

func (c *Communicator) dispatch(msg transport.Message) {
	c.mu.Lock()
	for i, e := range c.pending {
		if e.pred(msg) {
			c.pending = slices.Delete(c.pending, i, i+1)
			e.settled = true
			e.ch <- expectResult{msg: msg}
			c.mu.Unlock()
			return
		}
	}

	c.buffer = append(c.buffer, msg)
	if over := len(c.buffer) - c.bufferSize; over > 0 {
		c.buffer = slices.Delete(c.buffer, 0, over)
		droppedTotal.Add(float64(over))
		c.dropped += over
		c.dropWarn.Do(func() {
			c.logger.Warn("channel buffer full, dropping oldest messages", "dropped", c.dropped)
			c.dropped = 0
		})
	}
	subs := make([]func(transport.Message), 0, len(c.subs))
	for _, id := range sortedKeys(c.subs) {
		subs = append(subs, c.subs[id])
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(msg)
	}
}

func sortedKeys(m map[int]func(transport.Message)) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Send writes one protocol line.
func (c *Communicator) Send(line string) error {
	return c.SendMessage(transport.Line(line))
}

// SendMessage writes msg to the channel.
func (c *Communicator) SendMessage(msg transport.Message) error {
	c.mu.Lock()
	tr, err := c.tr, c.err
	closed := c.closed
	c.mu.Unlock()

	switch {
	case closed:
		return enginerr.New(enginerr.KindAborted, "send", "channel closed")
	case err != nil:
		return err
	case tr == nil:
		return enginerr.New(enginerr.KindNotReady, "send", "channel not open")
	}
	if err := tr.Send(msg); err != nil {
		return enginerr.Network("send", err)
	}
	messagesTotal.WithLabelValues("out").Inc()
	return nil
}

// Expect returns the first message satisfying pred. Buffered messages are
// checked (and consumed) first. A zero timeout waits for ctx alone. The
// expectation settles exactly once: by a message, a timeout, ctx, channel
// failure or Close.
func (c *Communicator) Expect(ctx context.Context, pred Predicate, timeout time.Duration) (transport.Message, error) {
	c.mu.Lock()
	for i, m := range c.buffer {
		if pred(m) {
			c.buffer = slices.Delete(c.buffer, i, i+1)
			c.mu.Unlock()
			return m, nil
		}
	}
	switch {
	case c.closed:
		c.mu.Unlock()
		return transport.Message{}, enginerr.New(enginerr.KindAborted, "expect", "channel closed")
	case c.err != nil:
		err := c.err
		c.mu.Unlock()
		return transport.Message{}, err
	}
	e := &expectation{pred: pred, ch: make(chan expectResult, 1)}
	c.pending = append(c.pending, e)
	c.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r := <-e.ch:
		return r.msg, r.err
	case <-timer:
		expectTimeoutsTotal.Inc()
		return c.withdraw(e, enginerr.New(enginerr.KindTimeout, "expect", "no matching message within %s", timeout))
	case <-ctx.Done():
		return c.withdraw(e, enginerr.Wrap(enginerr.KindOf(ctx.Err()), "expect", ctx.Err()))
	}
}

// withdraw removes e unless it has already been settled, in which case the
// settled result wins.
func (c *Communicator) withdraw(e *expectation, err error) (transport.Message, error) {
	c.mu.Lock()
	if e.settled {
		c.mu.Unlock()
		r := <-e.ch
		return r.msg, r.err
	}
	e.settled = true
	if i := slices.Index(c.pending, e); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
	c.mu.Unlock()
	return transport.Message{}, err
}

func (c *Communicator) failPendingLocked(err error) {
	for _, e := range c.pending {
		e.settled = true
		e.ch <- expectResult{err: err}
	}
	c.pending = nil
}

// Subscribe registers fn for every message not claimed by an expectation.
// fn runs on the read goroutine.
func (c *Communicator) Subscribe(fn func(transport.Message)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Buffered returns a copy of the replay buffer.
func (c *Communicator) Buffered() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.buffer)
}

// Done is closed when the channel fails or is closed. Err distinguishes
// the two.
func (c *Communicator) Done() <-chan struct{} { return c.done }

// Err returns the fatal channel error, if any.
func (c *Communicator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close rejects pending expectations, drops subscribers and closes the
// channel. It is idempotent.
func (c *Communicator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.failPendingLocked(enginerr.New(enginerr.KindAborted, "expect", "channel closed"))
	c.subs = make(map[int]func(transport.Message))
	c.buffer = nil
	tr := c.tr
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })

	if tr == nil {
		return nil
	}
	if err := tr.Close(); err != nil {
		return fmt.Errorf("close channel: %w", err)
	}
	return nil
}
