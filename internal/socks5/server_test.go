package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/bepass-org/muxbridge/internal/relay"
	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"
)

func startServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(opts...)
	ctx, cancel := context.WithCancel(context.Background())

	g := errgroup.Group{}
	g.Go(func() error { return srv.Serve(ctx, ln) })
	t.Cleanup(func() {
		cancel()
		if err := g.Wait(); err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnectDispatch(t *testing.T) {
	tests := []struct {
		address string
		host    string
		port    uint16
	}{
		{"example.com:443", "example.com", 443},
		{"93.184.216.34:80", "93.184.216.34", 80},
		{"[2001:db8::1]:8080", "2001:db8::1", 8080},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			got := make(chan *Request, 1)
			_, addr := startServer(t, WithConnectHandle(func(ctx context.Context, w io.Writer, req *Request) error {
				got <- req
				if err := SendReply(w, RepSuccess, req.LocalAddr); err != nil {
					return err
				}
				_, err := w.Write([]byte("ok"))
				return err
			}))

			conn := dial(t, addr)
			if err := ClientDial(conn, tt.address); err != nil {
				t.Fatal(err)
			}
			buf := make([]byte, 2)
			if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ok" {
				t.Fatalf("read %q, %v", buf, err)
			}

			req := <-got
			if req.Host != tt.host || req.Port != tt.port {
				t.Errorf("handler saw %s:%d, want %s:%d", req.Host, req.Port, tt.host, tt.port)
			}
			if req.Session == "" {
				t.Errorf("request has no session id")
			}
		})
	}
}

func TestRejectsAuthOnlyClients(t *testing.T) {
	_, addr := startServer(t, WithConnectHandle(func(context.Context, io.Writer, *Request) error {
		t.Error("handler must not run")
		return nil
	}))

	conn := dial(t, addr)
	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodUsernamePassword}).WriteTo(conn); err != nil {
		t.Fatal(err)
	}
	rep, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Method != noAcceptableMethods {
		t.Fatalf("expected method %#x, got %#x", noAcceptableMethods, rep.Method)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the server to close the connection")
	}
}

func TestUnsupportedCommands(t *testing.T) {
	_, addr := startServer(t, WithConnectHandle(func(context.Context, io.Writer, *Request) error {
		t.Error("handler must not run")
		return nil
	}))

	for _, cmd := range []byte{txsocks5.CmdBind, txsocks5.CmdUDP} {
		t.Run(fmt.Sprintf("cmd%d", cmd), func(t *testing.T) {
			conn := dial(t, addr)
			if err := ClientNegotiate(conn); err != nil {
				t.Fatal(err)
			}
			_, err := ClientRequest(conn, cmd, "127.0.0.1:9")
			var rerr *ReplyError
			if !errors.As(err, &rerr) || rerr.Rep != RepCommandNotSupported {
				t.Fatalf("expected command-not-supported reply, got %v", err)
			}
		})
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	srv.Wait()

	if c, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second); err == nil {
		c.Close()
		t.Fatal("listener still accepting")
	}
}

func directConnect(ctx context.Context, w io.Writer, req *Request) error {
	var d net.Dialer
	target, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_ = SendReply(w, RepNetworkUnreachable, nil)
		return err
	}
	if err := SendReply(w, RepSuccess, req.LocalAddr); err != nil {
		target.Close()
		return err
	}
	local := struct {
		io.Reader
		io.Writer
		io.Closer
	}{req.Reader, w, req.Conn}
	return relay.Pipe(ctx, local, target)
}

func TestHTTPProxyRedirect(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "via socks")
	}))
	defer origin.Close()

	_, addr := startServer(t, WithConnectHandle(directConnect), WithHTTPProxy(true))

	proxyURL := &url.URL{Scheme: "http", Host: addr}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   10 * time.Second,
	}
	defer client.CloseIdleConnections()

	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "via socks" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
}

func TestNonSocksWithoutHTTPProxy(t *testing.T) {
	_, addr := startServer(t)

	conn := dial(t, addr)
	if _, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the server to close a non-SOCKS connection")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	srv, addr := startServer(t, WithHandshakeTimeout(100*time.Millisecond),
		WithConnectHandle(func(context.Context, io.Writer, *Request) error {
			t.Error("handler must not run")
			return nil
		}))

	conn := dial(t, addr)
	start := time.Now()
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the server to drop a silent client")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("silent client held for %s", elapsed)
	}

	waited := make(chan struct{})
	go func() {
		srv.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait blocked on a dropped session")
	}
}

func TestHandshakeTimeoutClearedForRelay(t *testing.T) {
	_, addr := startServer(t, WithHandshakeTimeout(100*time.Millisecond),
		WithConnectHandle(func(ctx context.Context, w io.Writer, req *Request) error {
			if err := SendReply(w, RepSuccess, req.LocalAddr); err != nil {
				return err
			}
			time.Sleep(300 * time.Millisecond)
			_, err := w.Write([]byte("late"))
			return err
		}))

	conn := dial(t, addr)
	if err := ClientDial(conn, "example.com:80"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "late" {
		t.Fatalf("read %q, %v", buf, err)
	}
}

func TestStartHTTPProxyBeforeServe(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ready")
	}))
	defer origin.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(WithConnectHandle(directConnect), WithHTTPProxy(true))
	if err := srv.StartHTTPProxy(ln.Addr().String()); err != nil {
		t.Fatal(err)
	}
	if err := srv.StartHTTPProxy(ln.Addr().String()); err == nil {
		t.Fatal("expected an error starting the proxy twice")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	}()

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: ln.Addr().String()})},
		Timeout:   10 * time.Second,
	}
	defer client.CloseIdleConnections()
	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ready" {
		t.Fatalf("got %q", body)
	}
}
