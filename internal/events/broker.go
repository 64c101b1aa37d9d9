// Package events fans engine events out to subscribers, one topic per engine.
package events

import (
	"sync"
	"time"
)

// Event type constants.
const (
	TypeStatus    = "status-change"
	TypeInfo      = "info"
	TypeResult    = "result"
	TypeTelemetry = "telemetry"
	TypeProgress  = "load-progress"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is one engine event.
type Event struct {
	Type     string    `json:"type"`
	EngineID string    `json:"engine_id"`
	Time     time.Time `json:"time"`
	Data     any       `json:"data,omitempty"`
}

// Telemetry summarizes one finished search.
type Telemetry struct {
	PositionID string `json:"position_id"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
	Infos      int    `json:"infos"`
	Error      string `json:"error,omitempty"`
}

// Broker manages per-engine event streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers receive a
// closed channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for the given engine and
// an unsubscribe function. If the topic has been closed, the returned channel
// is already closed.
func (b *Broker) Subscribe(engineID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[engineID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[engineID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

// Publish sends an event to all subscribers of ev.EngineID. A zero Time is
// set to now. Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.EngineID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			droppedTotal.Inc()
		}
	}
}

// Emit publishes an event of type typ carrying data.
func (b *Broker) Emit(engineID, typ string, data any) {
	b.Publish(Event{Type: typ, EngineID: engineID, Data: data})
}

// Close signals that no more events will be published for the given engine.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(engineID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[engineID]
	if !ok {
		b.topics[engineID] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Reopen clears a closed marker so a re-registered engine can stream again.
func (b *Broker) Reopen(engineID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[engineID]; ok && t.closed {
		delete(b.topics, engineID)
	}
}
