// Package bridge ties the local SOCKS5 listener to the tunnel. CONNECT
// requests become tunnel streams; UDP ASSOCIATE sessions only carry DNS,
// which is answered over DoH.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/bepass-org/muxbridge/internal/config"
	"github.com/bepass-org/muxbridge/internal/doh"
	"github.com/bepass-org/muxbridge/internal/logger"
	"github.com/bepass-org/muxbridge/internal/socks5"
	"github.com/bepass-org/muxbridge/internal/tunnel"
)

var (
	ErrAlreadyRunning      = errors.New("bridge: already running")
	ErrNotRunning          = errors.New("bridge: not running")
	ErrStopped             = errors.New("bridge: already stopped")
	ErrBind                = errors.New("bridge: bind failed")
	ErrTunnelConnect       = errors.New("bridge: tunnel connect failed")
	ErrUpstreamUnreachable = errors.New("bridge: upstream unreachable")
)

// Tunnel opens streams to targets on the far side.
type Tunnel interface {
	OpenStream(ctx context.Context, target tunnel.Target) (net.Conn, error)
	Close() error
}

// Resolver answers a raw DNS query with a raw DNS response.
type Resolver = doh.Resolver

// TunnelDialer connects a Tunnel for the given settings.
type TunnelDialer func(ctx context.Context, cfg config.Config) (Tunnel, error)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Bridge is one run of the service. It can be started once.
type Bridge struct {
	cfg        config.Config
	dialTunnel TunnelDialer
	resolver   Resolver
	fwd        *doh.Forwarder

	mu     sync.Mutex
	state  state
	ln     net.Listener
	tun    Tunnel
	server *socks5.Server
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Bridge)

// WithTunnelDialer replaces the WebSocket tunnel.
func WithTunnelDialer(d TunnelDialer) Option {
	return func(b *Bridge) {
		b.dialTunnel = d
	}
}

// WithResolver replaces the DoH forwarder for intercepted DNS.
func WithResolver(r Resolver) Option {
	return func(b *Bridge) {
		b.resolver = r
	}
}

func New(cfg config.Config, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:        cfg,
		dialTunnel: DialTunnel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DialTunnel connects the WebSocket tunnel described by cfg.
func DialTunnel(ctx context.Context, cfg config.Config) (Tunnel, error) {
	t, err := tunnel.Dial(ctx, cfg.TunnelURL, tunnel.Options{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		Fingerprint:       cfg.TLSFingerprint,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Start binds the loopback listener, connects the tunnel and begins serving.
// It returns once the service accepts connections. ctx bounds startup only.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateRunning:
		return ErrAlreadyRunning
	case stateStopped:
		return ErrStopped
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(b.cfg.LocalPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}

	tun, err := b.dialTunnel(ctx, b.cfg)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("%w: %w", ErrTunnelConnect, err)
	}

	if err := b.setupResolver(ln.Addr().(*net.TCPAddr).Port); err != nil {
		_ = ln.Close()
		_ = tun.Close()
		return err
	}

	server := socks5.NewServer(
		socks5.WithConnectHandle(b.handleConnect),
		socks5.WithAssociateHandle(b.handleAssociate),
		socks5.WithHTTPProxy(b.cfg.HTTPProxy),
		socks5.WithHandshakeTimeout(b.cfg.HandshakeTimeout),
	)
	if b.cfg.HTTPProxy {
		if err := server.StartHTTPProxy(ln.Addr().String()); err != nil {
			_ = ln.Close()
			_ = tun.Close()
			if b.fwd != nil {
				b.fwd.Close()
			}
			return fmt.Errorf("bridge: http proxy: %w", err)
		}
	}

	b.ln = ln
	b.tun = tun
	b.server = server
	b.runCtx, b.cancel = context.WithCancel(context.Background())
	b.state = stateRunning

	go b.serve()
	logger.Info("bridge listening", "addr", ln.Addr(), "tunnel", b.cfg.TunnelURL, "doh", b.cfg.DoHURL)
	return nil
}

// setupResolver builds the DoH forwarder unless a resolver was supplied and
// puts the hosts table in front of it.
func (b *Bridge) setupResolver(port int) error {
	if b.resolver == nil {
		fwd, err := doh.NewForwarder(port, b.cfg.DoHURL,
			doh.WithTimeout(b.cfg.DoHTimeout), doh.WithCache(b.cfg.DNSCacheTTL))
		if err != nil {
			return err
		}
		b.fwd = fwd
		b.resolver = fwd
	}
	if len(b.cfg.Hosts) > 0 {
		hosts, err := doh.NewHosts(b.cfg.Hosts, b.resolver)
		if err != nil {
			return err
		}
		b.resolver = hosts
	}
	return nil
}

// serve runs the accept loop, then waits for sessions to drain before
// closing the tunnel.
func (b *Bridge) serve() {
	defer close(b.done)

	if err := b.server.Serve(b.runCtx, b.ln); err != nil {
		logger.Error("socks5 server stopped", "error", err)
	}
	// The forwarder's kept-alive proxy connections are sessions too.
	if b.fwd != nil {
		b.fwd.Close()
	}
	b.server.Wait()

	if err := b.tun.Close(); err != nil {
		logger.Debug("tunnel close", "error", err)
	}
	logger.Info("bridge stopped")
}

// Stop signals shutdown. The listener is closed before Stop returns, so the
// port can be bound again at once. Running relays continue until their peers
// close them and the tunnel closes after the last one. Use Done to wait for
// that.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateRunning {
		return ErrNotRunning
	}
	b.state = stateStopped
	b.cancel()
	if err := b.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("listener close", "error", err)
	}
	return nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateRunning
}

// Addr is the bound listener address, or nil before Start.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Done is closed after Stop once every session has ended and the tunnel is
// closed.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}
