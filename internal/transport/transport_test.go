package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func recvMessage(t *testing.T, tr Transport) Message {
	t.Helper()
	select {
	case msg, ok := <-tr.Messages():
		if !ok {
			t.Fatalf("messages closed: %v", tr.Err())
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func waitClosed(t *testing.T, tr Transport) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-tr.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("messages channel not closed")
		}
	}
}

func TestWriteReadMessage(t *testing.T) {
	original := Message{
		Type:      MsgInjectResources,
		Resources: []Resource{{Path: "nn/weights.bin", Data: []byte{0, 1, 2, 0xff}}},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Message
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if decoded.Type != original.Type {
		t.Errorf("Type = %q, want %q", decoded.Type, original.Type)
	}
	if len(decoded.Resources) != 1 || !bytes.Equal(decoded.Resources[0].Data, original.Resources[0].Data) {
		t.Errorf("Resources = %+v", decoded.Resources)
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	var msg Message
	if err := ReadMessage(buf, &msg); err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("err = %v, want size error", err)
	}
}

func TestConnRoundTrip(t *testing.T) {
	host, guest := net.Pipe()
	ht := NewConn(host)
	gt := NewConn(guest)
	defer gt.Close()

	if err := ht.Send(Line("uci")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recvMessage(t, gt); got.Type != MsgLine || got.Line != "uci" {
		t.Errorf("guest got %+v", got)
	}
	if err := gt.Send(Line("uciok")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recvMessage(t, ht); got.Line != "uciok" {
		t.Errorf("host got %+v", got)
	}

	if err := ht.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ht.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := ht.Send(Line("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}
	waitClosed(t, ht)
	if ht.Err() != nil {
		t.Errorf("Err after local close = %v, want nil", ht.Err())
	}

	// The peer sees the channel end as a fatal error.
	waitClosed(t, gt)
	if gt.Err() == nil {
		t.Error("peer Err = nil, want error")
	}
}

func TestParseVsock(t *testing.T) {
	tests := []struct {
		endpoint string
		want     VsockAddr
		wantErr  bool
	}{
		{"vsock://3:5000", VsockAddr{CID: 3, Port: 5000}, false},
		{"vsock://42", VsockAddr{CID: 42, Port: DefaultVsockPort}, false},
		{"vsock://abc:1", VsockAddr{}, true},
		{"tcp://3:5000", VsockAddr{}, true},
	}
	for _, tt := range tests {
		got, err := ParseVsock(tt.endpoint)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVsock(%q) err = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVsock(%q) = %+v, want %+v", tt.endpoint, got, tt.want)
		}
	}
}

func TestDialWithRetryRecovers(t *testing.T) {
	attempts := 0
	c, err := dialWithRetry(context.Background(), func(context.Context) (net.Conn, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("refused")
		}
		a, _ := net.Pipe()
		return a, nil
	})
	if err != nil {
		t.Fatalf("dialWithRetry: %v", err)
	}
	c.Close()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDialWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dialWithRetry(ctx, func(context.Context) (net.Conn, error) {
		return nil, errors.New("refused")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMaterializeRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"../escape", "a/../../escape", ".."} {
		if err := Materialize(dir, []Resource{{Path: p, Data: []byte("x")}}); err == nil {
			t.Errorf("Materialize(%q) succeeded, want error", p)
		}
	}
	if err := Materialize(dir, []Resource{{Path: "/nn/net.bin", Data: []byte("x")}}); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "nn", "net.bin")); err != nil {
		t.Errorf("resource not written: %v", err)
	}
}

func TestProcessEchoAndInject(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	p, err := NewProcess("/bin/sh", []string{"-c", `while read l; do echo "got $l"; cat nn.txt; done`})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	defer p.Close()

	if err := p.Send(Message{Type: MsgInjectResources, Resources: []Resource{{Path: "nn.txt", Data: []byte("weights\n")}}}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if got := recvMessage(t, p); got.Type != MsgResourcesReady {
		t.Fatalf("got %+v, want RESOURCES_READY", got)
	}

	if err := p.Send(Line("uci")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recvMessage(t, p); got.Line != "got uci" {
		t.Errorf("line = %q, want %q", got.Line, "got uci")
	}
	if got := recvMessage(t, p); got.Line != "weights" {
		t.Errorf("line = %q, want weights", got.Line)
	}

	if err := p.Send(Message{Type: MsgInjectResources}); err == nil {
		t.Error("inject after start succeeded")
	}
}

func TestProcessUnexpectedExitIsFatal(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	p, err := NewProcess("/bin/sh", []string{"-c", "read l; exit 3"})
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	defer p.Close()

	if err := p.Send(Line("go")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitClosed(t, p)
	if !errors.Is(p.Err(), ErrExited) {
		t.Errorf("Err = %v, want ErrExited", p.Err())
	}
}

func TestNewWasmRejectsInvalidModule(t *testing.T) {
	if _, err := NewWasm("bad", []byte("not wasm"), nil, nil); err == nil {
		t.Error("NewWasm accepted invalid bytes")
	}
}

type fakeBlob struct {
	url, typ string
	data     []byte
}

func (b fakeBlob) URL() string            { return b.url }
func (b fakeBlob) Type() string           { return b.typ }
func (b fakeBlob) Bytes() ([]byte, error) { return b.data, nil }

func TestDialerHandleScript(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	blob := fakeBlob{url: "handle:01J", typ: "script", data: []byte("#!/bin/sh\nwhile read l; do echo \"$l\"ok; done\n")}
	tr, err := DefaultDialer{}.Dial(context.Background(), Target{Endpoint: blob.url, Blob: blob})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(Line("uci")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recvMessage(t, tr); got.Line != "uciok" {
		t.Errorf("line = %q, want uciok", got.Line)
	}
}

func TestDialerRejects(t *testing.T) {
	d := DefaultDialer{}
	if _, err := d.Dial(context.Background(), Target{Endpoint: "file:///bin/sh"}); err == nil {
		t.Error("file endpoint accepted")
	}
	blob := fakeBlob{url: "handle:a", typ: "asset"}
	if _, err := d.Dial(context.Background(), Target{Endpoint: "handle:a", Blob: blob}); err == nil {
		t.Error("asset handle accepted")
	}
	if _, err := d.Dial(context.Background(), Target{Endpoint: "handle:b", Blob: blob}); err == nil {
		t.Error("mismatched handle accepted")
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			conn.WriteJSON(Line(msg.Line + "ok"))
		}
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr, err := DialWebSocket(context.Background(), endpoint, srv.URL)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	if err := tr.Send(Line("uci")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := recvMessage(t, tr); got.Line != "uciok" {
		t.Errorf("line = %q, want uciok", got.Line)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	waitClosed(t, tr)
}
