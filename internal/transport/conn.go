package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Conn is a Transport over a stream connection using length-prefixed JSON
// frames. It serves both sides of a vsock link.
type Conn struct {
	conn net.Conn
	p    *pump

	writeMu sync.Mutex
	closed  bool
	once    sync.Once
}

// NewConn wraps c and starts reading frames from it.
func NewConn(c net.Conn) *Conn {
	t := &Conn{conn: c, p: newPump()}
	go t.readLoop()
	return t
}

func (t *Conn) readLoop() {
	for {
		var msg Message
		if err := ReadMessage(t.conn, &msg); err != nil {
			if t.p.stopped() {
				t.p.finish(nil)
				return
			}
			if errors.Is(err, io.EOF) {
				t.p.finish(ErrExited)
				return
			}
			t.p.finish(fmt.Errorf("read frame: %w", err))
			return
		}
		if !t.p.emit(msg) {
			return
		}
	}
}

// Send writes one frame. Concurrent callers are serialized.
func (t *Conn) Send(msg Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if err := WriteMessage(t.conn, &msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (t *Conn) Messages() <-chan Message { return t.p.messages() }

func (t *Conn) Err() error { return t.p.error() }

// Close is idempotent.
func (t *Conn) Close() error {
	var err error
	t.once.Do(func() {
		t.writeMu.Lock()
		t.closed = true
		t.writeMu.Unlock()
		t.p.stop()
		err = t.conn.Close()
	})
	return err
}
