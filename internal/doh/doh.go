// Package doh forwards raw DNS queries to a DNS-over-HTTPS resolver. The
// HTTPS connection is made through the bridge's own SOCKS5 listener, so DNS
// leaves the device through the tunnel like any other traffic.
package doh

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bepass-org/muxbridge/internal/cache"
	"github.com/bepass-org/muxbridge/internal/logger"
	"github.com/miekg/dns"
	"golang.org/x/net/proxy"
)

// MediaType is the RFC 8484 content type of wire-format DNS messages.
const MediaType = "application/dns-message"

// maxResponse caps the body read from the resolver.
const maxResponse = 64 * 1024

var (
	ErrProxyConfig = errors.New("doh: proxy configuration")
	ErrRequest     = errors.New("doh: request failed")
	ErrBodyRead    = errors.New("doh: reading response body")
	ErrClosed      = errors.New("doh: forwarder closed")
)

type clientOptions struct {
	Timeout    time.Duration // Timeout for one DNS query
	CacheTTL   time.Duration // Upper bound on how long answers are reused
	CacheLimit int
}

type ClientOption func(*clientOptions) error

func WithTimeout(t time.Duration) ClientOption {
	return func(o *clientOptions) error {
		if t < 0 {
			return fmt.Errorf("negative timeout %s", t)
		}
		o.Timeout = t
		return nil
	}
}

// WithCache reuses successful answers for at most ttl, or for the smallest
// record TTL in the answer if that is shorter. Zero disables caching.
func WithCache(ttl time.Duration) ClientOption {
	return func(o *clientOptions) error {
		if ttl < 0 {
			return fmt.Errorf("negative cache ttl %s", ttl)
		}
		o.CacheTTL = ttl
		return nil
	}
}

// Forwarder sends queries to one resolver through a local SOCKS5 proxy.
type Forwarder struct {
	url    string
	client *http.Client
	opt    *clientOptions
	cache  *cache.Cache[[]byte]
	dialer proxy.ContextDialer

	mu     sync.Mutex
	conns  map[*trackedConn]struct{}
	active int
	closed bool
}

// NewForwarder builds a forwarder that reaches dohURL through the SOCKS5
// proxy listening on 127.0.0.1:localPort.
func NewForwarder(localPort int, dohURL string, opts ...ClientOption) (*Forwarder, error) {
	o := &clientOptions{Timeout: 10 * time.Second, CacheLimit: 4096}
	for _, f := range opts {
		if err := f(o); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProxyConfig, err)
		}
	}

	if localPort <= 0 || localPort > 65535 {
		return nil, fmt.Errorf("%w: port %d", ErrProxyConfig, localPort)
	}
	u, err := url.Parse(dohURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: resolver url %q", ErrProxyConfig, dohURL)
	}

	proxyURL := &url.URL{Scheme: "socks5", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort))}
	d, err := proxy.FromURL(proxyURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProxyConfig, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("%w: dialer has no context support", ErrProxyConfig)
	}

	f := &Forwarder{
		url:    dohURL,
		opt:    o,
		dialer: cd,
		conns:  make(map[*trackedConn]struct{}),
	}
	f.client = &http.Client{
		Timeout: o.Timeout,
		Transport: &http.Transport{
			DialContext:         f.dial,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: o.Timeout,
		},
	}
	if o.CacheTTL > 0 {
		f.cache = cache.New[[]byte](o.CacheTTL, o.CacheLimit)
	}
	return f, nil
}

// Forward posts query to the resolver and returns the raw response body.
func (f *Forwarder) Forward(ctx context.Context, query []byte) ([]byte, error) {
	if !f.begin() {
		return nil, ErrClosed
	}
	defer f.end()

	key, id := f.cacheKey(query)
	if key != "" {
		if cached, ok := f.cache.Get(key); ok {
			resp := bytes.Clone(cached)
			binary.BigEndian.PutUint16(resp[0:2], id)
			logger.Trace("doh cache hit", "question", key)
			return resp, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	req.Header.Set("Content-Type", MediaType)
	req.Header.Set("Accept", MediaType)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponse))
		return nil, fmt.Errorf("%w: status %s", ErrRequest, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBodyRead, err)
	}
	if len(body) > maxResponse {
		return nil, fmt.Errorf("%w: response larger than %d bytes", ErrBodyRead, maxResponse)
	}

	if key != "" {
		f.store(key, body)
	}
	return body, nil
}

// Close refuses further queries and closes the proxy connections once the
// queries in flight have finished.
func (f *Forwarder) Close() {
	f.mu.Lock()
	f.closed = true
	idle := f.active == 0
	f.mu.Unlock()

	f.client.CloseIdleConnections()
	if idle {
		f.closeConns()
	}
}

func (f *Forwarder) begin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.active++
	return true
}

func (f *Forwarder) end() {
	f.mu.Lock()
	f.active--
	last := f.closed && f.active == 0
	f.mu.Unlock()
	if last {
		f.closeConns()
	}
}

func (f *Forwarder) closeConns() {
	f.mu.Lock()
	conns := make([]*trackedConn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// dial opens a connection through the proxy and remembers it until it is
// closed.
func (f *Forwarder) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := f.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed && f.active == 0 {
		_ = conn.Close()
		return nil, ErrClosed
	}
	tc := &trackedConn{Conn: conn, f: f}
	f.conns[tc] = struct{}{}
	return tc, nil
}

type trackedConn struct {
	net.Conn
	f    *Forwarder
	once sync.Once
}

func (c *trackedConn) Close() error {
	var err error
	c.once.Do(func() {
		c.f.mu.Lock()
		delete(c.f.conns, c)
		c.f.mu.Unlock()
		err = c.Conn.Close()
	})
	return err
}

// cacheKey returns the key for a single-question query and its message id.
// Queries that do not parse are forwarded but never cached.
func (f *Forwarder) cacheKey(query []byte) (string, uint16) {
	if f.cache == nil {
		return "", 0
	}
	var msg dns.Msg
	if err := msg.Unpack(query); err != nil || len(msg.Question) != 1 {
		return "", 0
	}
	q := msg.Question[0]
	logger.Trace("doh query", "name", q.Name, "type", dns.TypeToString[q.Qtype])
	return fmt.Sprintf("%s/%d/%d", strings.ToLower(q.Name), q.Qtype, q.Qclass), msg.Id
}

func (f *Forwarder) store(key string, body []byte) {
	var msg dns.Msg
	if err := msg.Unpack(body); err != nil || msg.Rcode != dns.RcodeSuccess || msg.Truncated {
		return
	}
	ttl := f.opt.CacheTTL
	for _, rr := range msg.Answer {
		if d := time.Duration(rr.Header().Ttl) * time.Second; d < ttl {
			ttl = d
		}
	}
	if ttl <= 0 {
		return
	}
	f.cache.Set(key, bytes.Clone(body), ttl)
}

// Forward sends one query through a forwarder built for this call. Prefer a
// long-lived Forwarder when forwarding many queries.
func Forward(ctx context.Context, query []byte, localPort int, dohURL string) ([]byte, error) {
	f, err := NewForwarder(localPort, dohURL)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Forward(ctx, query)
}
