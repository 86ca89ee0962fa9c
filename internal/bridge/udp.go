package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/bepass-org/muxbridge/internal/logger"
	"github.com/bepass-org/muxbridge/internal/socks5"
	"github.com/bepass-org/muxbridge/pkg/bufferpool"
)

// DNSSentinel is the fake DNS server address clients are configured with.
// Datagrams to any other IPv4 address are dropped.
var DNSSentinel = netip.AddrFrom4([4]byte{10, 0, 0, 144})

const (
	atypIPv4   = 0x01
	atypDomain = 0x03

	// minDatagram is the shortest possible SOCKS5 UDP header.
	minDatagram = 10
	maxDatagram = 64 * 1024
)

var datagramPool = bufferpool.NewPool(maxDatagram)

// dnsHeaderLen checks a SOCKS5 UDP datagram and returns the length of its
// header if the payload should be answered as DNS. Fragmented datagrams,
// address types other than IPv4 and domain, IPv4 destinations other than the
// sentinel and datagrams with no payload are rejected.
func dnsHeaderLen(pkt []byte) (int, bool) {
	if len(pkt) < minDatagram || pkt[2] != 0 {
		return 0, false
	}

	var hdr int
	switch pkt[3] {
	case atypIPv4:
		hdr = minDatagram
		if netip.AddrFrom4([4]byte(pkt[4:8])) != DNSSentinel {
			return 0, false
		}
	case atypDomain:
		hdr = 7 + int(pkt[4])
	default:
		return 0, false
	}

	if len(pkt) <= hdr {
		return 0, false
	}
	return hdr, true
}

// handleAssociate opens a UDP relay socket for the client and answers DNS
// queries sent through it. The association lasts until the client closes its
// control connection, the socket fails, or the bridge stops while
// StopUDPOnShutdown is set.
func (b *Bridge) handleAssociate(ctx context.Context, w io.Writer, req *socks5.Request) error {
	log := logger.With("session", req.Session, "peer", req.RemoteAddr)

	ip := net.IPv4(127, 0, 0, 1)
	if tcp, ok := req.LocalAddr.(*net.TCPAddr); ok {
		ip = tcp.IP
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
	if err != nil {
		_ = socks5.SendReply(w, socks5.RepServerFailure, nil)
		return fmt.Errorf("udp associate: %w", err)
	}
	defer conn.Close()

	if err := socks5.SendReply(w, socks5.RepSuccess, conn.LocalAddr()); err != nil {
		return err
	}
	log.Info("dns interception started", "relay", conn.LocalAddr())

	udpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if b.cfg.StopUDPOnShutdown {
		stop := context.AfterFunc(b.runCtx, cancel)
		defer stop()
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- b.interceptDNS(udpCtx, conn, log)
		cancel()
	}()

	// The association lives as long as the control connection.
	unblock := context.AfterFunc(udpCtx, func() {
		_ = req.Conn.SetReadDeadline(time.Now())
	})
	defer unblock()
	_, rerr := io.Copy(io.Discard, req.Reader)

	cancel()
	err = <-loopDone
	log.Info("dns interception ended")
	if err != nil {
		return err
	}
	if rerr != nil && udpCtx.Err() == nil {
		return rerr
	}
	return nil
}

// interceptDNS reads datagrams until ctx is done or the socket fails. Each
// accepted query is forwarded in its own goroutine and the answer is sent
// back to the datagram's sender with the original header.
func (b *Bridge) interceptDNS(ctx context.Context, conn *net.UDPConn, log *slog.Logger) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	buf := datagramPool.Get()
	defer datagramPool.Put(buf)

	for {
		n, peer, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}

		hdr, ok := dnsHeaderLen(buf[:n])
		if !ok {
			log.Log(ctx, logger.LevelTrace, "dropped datagram", "from", peer, "len", n)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := b.resolver.Forward(ctx, pkt[hdr:])
			if err != nil {
				log.Debug("dns forward failed", "error", err)
				return
			}
			out := make([]byte, 0, hdr+len(resp))
			out = append(out, pkt[:hdr]...)
			out = append(out, resp...)
			if _, err := conn.WriteToUDPAddrPort(out, peer); err != nil && ctx.Err() == nil {
				log.Debug("dns reply not sent", "to", peer, "error", err)
			}
		}()
	}
}
