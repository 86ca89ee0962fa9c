// Package testutil runs a stand-in for the far end of the tunnel so that
// packages can be tested against real WebSocket and smux framing.
package testutil

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bepass-org/muxbridge/internal/relay"
	"github.com/bepass-org/muxbridge/internal/tunnel"
	"github.com/bepass-org/muxbridge/pkg/wsconnadapter"
	"github.com/gorilla/websocket"
	"github.com/xtaci/smux"
)

// StreamHandler serves one stream after its open header has been read.
type StreamHandler func(target tunnel.Target, stream net.Conn)

// TunnelServer accepts tunnel sessions and passes every stream to a handler.
type TunnelServer struct {
	URL string

	srv    *httptest.Server
	handle StreamHandler

	mu      sync.Mutex
	targets []tunnel.Target
	conns   []*smux.Session
}

// NewTunnelServer starts a server and closes it when the test ends.
func NewTunnelServer(t testing.TB, handle StreamHandler) *TunnelServer {
	t.Helper()
	ts := &TunnelServer{handle: handle}
	upgrader := websocket.Upgrader{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session, err := smux.Server(wsconnadapter.New(ws), smux.DefaultConfig())
		if err != nil {
			ws.Close()
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, session)
		ts.mu.Unlock()
		ts.serve(session)
	}))
	ts.URL = "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/"
	t.Cleanup(ts.Close)
	return ts
}

func (ts *TunnelServer) serve(session *smux.Session) {
	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		go func() {
			target, err := tunnel.ReadTarget(stream)
			if err != nil {
				stream.Close()
				return
			}
			ts.mu.Lock()
			ts.targets = append(ts.targets, target)
			ts.mu.Unlock()
			ts.handle(target, stream)
		}()
	}
}

// Targets returns the targets of every stream opened so far.
func (ts *TunnelServer) Targets() []tunnel.Target {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]tunnel.Target(nil), ts.targets...)
}

// DropSessions closes every session from the server side.
func (ts *TunnelServer) DropSessions() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, s := range ts.conns {
		s.Close()
	}
	ts.conns = nil
}

func (ts *TunnelServer) Close() {
	ts.DropSessions()
	ts.srv.CloseClientConnections()
	ts.srv.Close()
}

// Echo writes every byte of the stream back to it.
func Echo(_ tunnel.Target, stream net.Conn) {
	defer stream.Close()
	_, _ = io.Copy(stream, stream)
}

// Dial connects TCP streams to their real target and relays between them.
func Dial(target tunnel.Target, stream net.Conn) {
	if target.Kind != tunnel.KindTCP {
		stream.Close()
		return
	}
	conn, err := net.DialTimeout("tcp", target.String(), 5*time.Second)
	if err != nil {
		stream.Close()
		return
	}
	_ = relay.Pipe(context.Background(), stream, conn)
}
