package wsconnadapter

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func serve(t *testing.T, handle func(*websocket.Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(c)
	}))
	t.Cleanup(srv.Close)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestReadSpansMessages(t *testing.T) {
	c := serve(t, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.BinaryMessage, []byte("hel"))
		_ = c.WriteMessage(websocket.BinaryMessage, []byte{})
		_ = c.WriteMessage(websocket.BinaryMessage, []byte("lo"))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	a := New(c)
	defer a.Close()

	got, err := io.ReadAll(a)
	if err != nil {
		t.Fatalf("expected clean EOF, got %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestRejectsTextMessages(t *testing.T) {
	c := serve(t, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte("nope"))
	})
	a := New(c)
	defer a.Close()

	_, err := a.Read(make([]byte, 16))
	if !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
	}
}

func TestWriteIsOneMessage(t *testing.T) {
	got := make(chan []byte, 1)
	c := serve(t, func(c *websocket.Conn) {
		mt, p, err := c.ReadMessage()
		if err == nil && mt == websocket.BinaryMessage {
			got <- p
		}
		close(got)
	})
	a := New(c)
	defer a.Close()

	if n, err := a.Write([]byte("frame")); err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if p := <-got; string(p) != "frame" {
		t.Fatalf("server read %q", p)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}
