package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WebSocket exchanges JSON messages with a remote engine host.
type WebSocket struct {
	conn *websocket.Conn
	p    *pump

	writeMu sync.Mutex
	closed  bool
	once    sync.Once
}

// DialWebSocket connects to a ws:// or wss:// endpoint. origin is sent as
// the Origin header so the peer can apply the same same-origin rule.
func DialWebSocket(ctx context.Context, endpoint, origin string) (*WebSocket, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return NewWebSocket(conn), nil
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	t := &WebSocket{conn: conn, p: newPump()}
	go t.readLoop()
	return t
}

func (t *WebSocket) readLoop() {
	for {
		var msg Message
		if err := t.conn.ReadJSON(&msg); err != nil {
			switch {
			case t.p.stopped():
				t.p.finish(nil)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				t.p.finish(ErrExited)
			default:
				t.p.finish(fmt.Errorf("read websocket: %w", err))
			}
			return
		}
		if !t.p.emit(msg) {
			return
		}
	}
}

func (t *WebSocket) Send(msg Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (t *WebSocket) Messages() <-chan Message { return t.p.messages() }

func (t *WebSocket) Err() error { return t.p.error() }

func (t *WebSocket) Close() error {
	var err error
	t.once.Do(func() {
		t.writeMu.Lock()
		t.closed = true
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		t.p.stop()
		err = t.conn.Close()
	})
	return err
}
