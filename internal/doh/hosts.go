package doh

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/bepass-org/muxbridge/internal/logger"
	"github.com/miekg/dns"
)

// hostsTTL is the record TTL of locally answered names.
const hostsTTL = 60

var ErrHostsEntry = errors.New("doh: bad hosts entry")

// Resolver answers a raw DNS query with a raw DNS response.
type Resolver interface {
	Forward(ctx context.Context, query []byte) ([]byte, error)
}

// Hosts answers questions for pinned names locally and passes everything
// else to the next resolver.
type Hosts struct {
	next  Resolver
	table map[string]netip.Addr
}

// NewHosts pins each domain in entries to an IP address.
func NewHosts(entries map[string]string, next Resolver) (*Hosts, error) {
	h := &Hosts{next: next, table: make(map[string]netip.Addr, len(entries))}
	for domain, ip := range entries {
		name := strings.TrimSpace(domain)
		if name == "" {
			return nil, fmt.Errorf("%w: empty domain", ErrHostsEntry)
		}
		addr, err := netip.ParseAddr(strings.TrimSpace(ip))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrHostsEntry, domain, err)
		}
		h.table[dns.CanonicalName(name)] = addr.Unmap()
	}
	return h, nil
}

// Lookup returns the pinned address for domain, if any.
func (h *Hosts) Lookup(domain string) (netip.Addr, bool) {
	addr, ok := h.table[dns.CanonicalName(domain)]
	return addr, ok
}

// Forward answers A and AAAA questions for pinned names. Other question
// types for a pinned name get an empty answer so clients fall back to the
// pinned address.
func (h *Hosts) Forward(ctx context.Context, query []byte) ([]byte, error) {
	var req dns.Msg
	if err := req.Unpack(query); err != nil || len(req.Question) != 1 {
		return h.next.Forward(ctx, query)
	}
	q := req.Question[0]
	addr, ok := h.Lookup(q.Name)
	if !ok || q.Qclass != dns.ClassINET {
		return h.next.Forward(ctx, query)
	}

	resp := new(dns.Msg)
	resp.SetReply(&req)
	resp.Authoritative = true
	resp.RecursionAvailable = true

	hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: hostsTTL}
	switch {
	case q.Qtype == dns.TypeA && addr.Is4():
		hdr.Rrtype = dns.TypeA
		resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: addr.AsSlice()})
	case q.Qtype == dns.TypeAAAA && addr.Is6():
		hdr.Rrtype = dns.TypeAAAA
		resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()})
	}
	logger.Debug("answered from hosts", "name", q.Name, "type", dns.TypeToString[q.Qtype], "addr", addr)
	return resp.Pack()
}
