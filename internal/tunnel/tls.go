package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	tls "github.com/refraction-networking/utls"
)

var fingerprints = map[string]tls.ClientHelloID{
	"chrome":  tls.HelloChrome_Auto,
	"edge":    tls.HelloEdge_Auto,
	"firefox": tls.HelloFirefox_Auto,
	"safari":  tls.HelloSafari_Auto,
	"ios":     tls.HelloIOS_Auto,
	"android": tls.HelloAndroid_11_OkHttp,
	"random":  tls.HelloRandomizedNoALPN,
}

func helloID(name string) (tls.ClientHelloID, error) {
	id, ok := fingerprints[name]
	if !ok {
		return tls.ClientHelloID{}, fmt.Errorf("tunnel: unknown tls fingerprint %q", name)
	}
	return id, nil
}

// tlsDialer returns a dial function that completes a TLS handshake shaped
// like the given browser. ALPN is pinned to http/1.1 because the WebSocket
// upgrade cannot run over h2.
func tlsDialer(id tls.ClientHelloID) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		var d net.Dialer
		raw, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		cfg := &tls.Config{ServerName: host, NextProtos: []string{"http/1.1"}}
		uconn, err := newUConn(raw, cfg, id)
		if err != nil {
			_ = raw.Close()
			return nil, err
		}

		if deadline, ok := ctx.Deadline(); ok {
			_ = raw.SetDeadline(deadline)
			defer func() { _ = raw.SetDeadline(time.Time{}) }()
		}
		if err := uconn.Handshake(); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		return uconn, nil
	}
}

func newUConn(raw net.Conn, cfg *tls.Config, id tls.ClientHelloID) (*tls.UConn, error) {
	if id == tls.HelloRandomizedNoALPN {
		return tls.UClient(raw, cfg, id), nil
	}

	spec, err := tls.UTLSIdToSpec(id)
	if err != nil {
		return nil, err
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	uconn := tls.UClient(raw, cfg, tls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		return nil, err
	}
	return uconn, nil
}
