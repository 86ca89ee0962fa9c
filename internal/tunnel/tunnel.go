// Package tunnel maintains the single multiplexed connection to the remote
// relay. A WebSocket carries an smux session and every proxied connection is
// one smux stream that starts with an open header naming its target.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bepass-org/muxbridge/internal/logger"
	"github.com/bepass-org/muxbridge/pkg/wsconnadapter"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/xtaci/smux"
)

var ErrClosed = errors.New("tunnel: closed")

type Options struct {
	// HandshakeTimeout bounds the TCP, TLS and WebSocket handshakes.
	HandshakeTimeout time.Duration
	// KeepAliveInterval is how often smux pings the far end. Zero keeps the
	// smux default.
	KeepAliveInterval time.Duration
	// Fingerprint selects a browser TLS client hello for wss endpoints. Empty
	// uses the Go TLS stack.
	Fingerprint string
	// Header is sent with the upgrade request.
	Header http.Header
}

// Tunnel is a connected multiplexed session. It is safe for concurrent use.
type Tunnel struct {
	url     string
	id      string
	session *smux.Session
	log     *slog.Logger

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Dial connects to the WebSocket endpoint at url and starts a client session
// over it. ctx bounds the connection attempt only.
func Dial(ctx context.Context, url string, opts Options) (*Tunnel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if opts.Fingerprint != "" {
		id, err := helloID(opts.Fingerprint)
		if err != nil {
			return nil, err
		}
		dialer.NetDialTLSContext = tlsDialer(id)
	}

	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("tunnel: dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("tunnel: dial %s: %w", url, err)
	}

	cfg := smux.DefaultConfig()
	if opts.KeepAliveInterval > 0 {
		cfg.KeepAliveInterval = opts.KeepAliveInterval
		cfg.KeepAliveTimeout = 3 * opts.KeepAliveInterval
	}
	conn := wsconnadapter.New(ws)
	if err := smux.VerifyConfig(cfg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	session, err := smux.Client(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tunnel: start session: %w", err)
	}

	t := &Tunnel{
		url:     url,
		id:      uuid.NewString(),
		session: session,
		done:    make(chan struct{}),
	}
	t.log = logger.With("tunnel", t.id)
	t.log.Info("tunnel connected", "url", url, "remote", ws.RemoteAddr())

	go t.drive()
	return t, nil
}

// drive waits for the session to end and reports why.
func (t *Tunnel) drive() {
	defer close(t.done)
	<-t.session.CloseChan()
	if t.closing.Load() {
		t.log.Debug("tunnel closed")
		return
	}
	t.log.Error("tunnel session ended", "url", t.url)
}

// OpenStream opens a stream to target. The open header is written before the
// stream is returned; ctx's deadline, if any, bounds that write.
func (t *Tunnel) OpenStream(ctx context.Context, target Target) (net.Conn, error) {
	hdr, err := target.MarshalBinary()
	if err != nil {
		return nil, err
	}
	select {
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	stream, err := t.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("tunnel: open stream to %s: %w", target, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if _, err := stream.Write(hdr); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("tunnel: open stream to %s: %w", target, err)
	}
	_ = stream.SetWriteDeadline(time.Time{})

	t.log.Debug("stream opened", "target", target, "kind", target.Kind, "stream", stream.ID())
	return stream, nil
}

// NumStreams is the number of open streams.
func (t *Tunnel) NumStreams() int {
	return t.session.NumStreams()
}

// Done is closed once the session has ended for any reason.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Close ends the session and every stream on it.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		t.closeErr = t.session.Close()
		<-t.done
	})
	return t.closeErr
}
