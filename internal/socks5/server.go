// Package socks5 is the local SOCKS5 listener. It accepts no-auth clients,
// parses their command and hands CONNECT and UDP ASSOCIATE to the handlers
// it was built with. Other commands are refused. Optionally, plain HTTP proxy
// clients on the same port are redirected to an HTTP proxy that dials back
// through SOCKS5.
package socks5

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/bepass-org/muxbridge/internal/logger"
	"github.com/bepass-org/muxbridge/internal/relay"
	"github.com/elazarl/goproxy"
	"github.com/google/uuid"
	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/net/proxy"
)

const (
	version5 = 0x05
	// noAcceptableMethods is the RFC 1928 method value for "none of yours".
	noAcceptableMethods = 0xff
)

var (
	ErrHandshake          = errors.New("socks5: handshake failed")
	ErrCommandUnsupported = errors.New("socks5: command not supported")
)

// Server is responsible for accepting connections and handling
// the details of the SOCKS5 protocol.
type Server struct {
	connectHandle    Handler
	associateHandle  Handler
	httpProxy        bool
	handshakeTimeout time.Duration

	sessions sync.WaitGroup

	mu      sync.Mutex
	httpSrv *http.Server
	httpLn  net.Listener
	httpPrx *goproxy.ProxyHttpServer
}

// NewServer creates a new Server
func NewServer(opts ...Option) *Server {
	srv := &Server{}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// returns nil. Sessions already accepted keep running with a context that is
// not cancelled; Wait blocks until they have all ended.
func (sf *Server) Serve(ctx context.Context, ln net.Listener) error {
	if sf.httpProxy && !sf.httpProxyRunning() {
		if err := sf.StartHTTPProxy(ln.Addr().String()); err != nil {
			_ = ln.Close()
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	sessionCtx := context.WithoutCancel(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("socks5 listener closed", "addr", ln.Addr())
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logger.Errorf("Accept failed: %v", err)
			return fmt.Errorf("socks5: accept: %w", err)
		}

		sf.sessions.Add(1)
		go func() {
			defer sf.sessions.Done()
			if err := sf.ServeConn(sessionCtx, conn); err != nil && !relay.IsExpectedCloseError(err) {
				logger.Error("socks5 session failed", "peer", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// Wait blocks until every accepted session has ended, then stops the HTTP
// proxy if one was started. Idle HTTP proxy connections are dropped first so
// they do not hold sessions open.
func (sf *Server) Wait() {
	sf.mu.Lock()
	if sf.httpSrv != nil {
		sf.httpSrv.SetKeepAlivesEnabled(false)
		sf.httpPrx.Tr.CloseIdleConnections()
	}
	sf.mu.Unlock()

	sf.sessions.Wait()

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.httpSrv != nil {
		_ = sf.httpSrv.Close()
		sf.httpSrv = nil
		sf.httpLn = nil
	}
}

// ServeConn is used to serve a single connection. The handshake must finish
// within the handshake timeout, if one is set.
func (sf *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	if sf.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(sf.handshakeTimeout))
	}

	bufConn := bufio.NewReader(conn)
	b, err := bufConn.Peek(1)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	switch {
	case b[0] == version5:
		return sf.handleSocksRequest(ctx, conn, bufConn)
	case sf.httpProxy:
		_ = conn.SetDeadline(time.Time{})
		return sf.handleHTTPRequest(ctx, conn, bufConn)
	default:
		return fmt.Errorf("%w: unexpected version %#x", ErrHandshake, b[0])
	}
}

func (sf *Server) handleSocksRequest(ctx context.Context, conn net.Conn, bufConn *bufio.Reader) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(bufConn)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
		_, _ = txsocks5.NewNegotiationReply(noAcceptableMethods).WriteTo(conn)
		return fmt.Errorf("%w: client does not offer no-auth", ErrHandshake)
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	raw, err := txsocks5.NewRequestFrom(bufConn)
	if err != nil {
		return fmt.Errorf("%w: read request: %w", ErrHandshake, err)
	}
	request, err := newRequest(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	request.Conn = conn
	request.Reader = bufConn
	request.LocalAddr = conn.LocalAddr()
	request.RemoteAddr = conn.RemoteAddr()
	request.Session = uuid.NewString()
	_ = conn.SetDeadline(time.Time{})

	log := logger.With("session", request.Session, "peer", request.RemoteAddr)

	var handle Handler
	switch raw.Cmd {
	case txsocks5.CmdConnect:
		handle = sf.connectHandle
	case txsocks5.CmdUDP:
		handle = sf.associateHandle
	}
	if handle == nil {
		if err := SendReply(conn, RepCommandNotSupported, nil); err != nil {
			return err
		}
		log.Debug("refused command", "cmd", raw.Cmd)
		return fmt.Errorf("%w: %d", ErrCommandUnsupported, raw.Cmd)
	}

	log.Debug("socks5 request", "cmd", raw.Cmd, "target", raw.Address())
	return handle(ctx, conn, request)
}

// handleHTTPRequest pipes a non-SOCKS client to the internal HTTP proxy.
func (sf *Server) handleHTTPRequest(ctx context.Context, conn net.Conn, bufConn *bufio.Reader) error {
	sf.mu.Lock()
	ln := sf.httpLn
	sf.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("%w: http proxy not running", ErrHandshake)
	}

	var d net.Dialer
	dstConn, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		return err
	}

	local := struct {
		io.Reader
		io.Writer
		io.Closer
	}{bufConn, conn, conn}
	return relay.Pipe(ctx, local, dstConn)
}

func (sf *Server) httpProxyRunning() bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.httpSrv != nil
}

// StartHTTPProxy starts an HTTP proxy on a loopback port whose upstream
// connections go through the SOCKS5 listener at socksAddr. Serve starts it
// itself when WithHTTPProxy is set and it is not running yet.
func (sf *Server) StartHTTPProxy(socksAddr string) error {
	if sf.httpProxyRunning() {
		return fmt.Errorf("socks5: http proxy already running")
	}

	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return err
	}

	prx := goproxy.NewProxyHttpServer()
	prx.Verbose = false
	prx.Tr.Proxy = nil
	// goproxy dials CONNECT targets through Tr.Dial, not Tr.DialContext.
	prx.Tr.Dial = dialer.Dial //nolint:staticcheck
	prx.Tr.IdleConnTimeout = 90 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           prx,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.GetLogger().Handler(), slog.LevelDebug),
	}

	sf.mu.Lock()
	sf.httpSrv = srv
	sf.httpLn = ln
	sf.httpPrx = prx
	sf.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http proxy stopped", "error", err)
		}
	}()
	logger.Debug("http proxy listening", "addr", ln.Addr(), "via", socksAddr)
	return nil
}
