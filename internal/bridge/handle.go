package bridge

import (
	"context"
	"fmt"
	"io"

	"github.com/bepass-org/muxbridge/internal/logger"
	"github.com/bepass-org/muxbridge/internal/relay"
	"github.com/bepass-org/muxbridge/internal/socks5"
	"github.com/bepass-org/muxbridge/internal/tunnel"
)

// handleConnect opens a tunnel stream to the requested target and relays the
// client through it. The client only hears success once the stream is open.
func (b *Bridge) handleConnect(ctx context.Context, w io.Writer, req *socks5.Request) error {
	log := logger.With("session", req.Session, "peer", req.RemoteAddr)
	target := tunnel.Target{Kind: tunnel.KindTCP, Host: req.Host, Port: req.Port}

	openCtx := ctx
	if b.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
		defer cancel()
	}

	stream, err := b.tun.OpenStream(openCtx, target)
	if err != nil {
		if rerr := socks5.SendReply(w, socks5.RepNetworkUnreachable, nil); rerr != nil {
			log.Debug("failure reply not sent", "error", rerr)
		}
		return fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, target, err)
	}

	if err := socks5.SendReply(w, socks5.RepSuccess, req.LocalAddr); err != nil {
		_ = stream.Close()
		return err
	}
	log.Info("relaying", "target", target)

	local := struct {
		io.Reader
		io.Writer
		io.Closer
	}{req.Reader, w, req.Conn}
	if err := relay.Pipe(ctx, local, stream); err != nil {
		return fmt.Errorf("relay %s: %w", target, err)
	}
	log.Debug("relay finished", "target", target)
	return nil
}
