package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"slices"
	"strings"
)

var ErrInvalid = errors.New("invalid config")

var availableTLSFingerPrints = []string{
	// chrome|edge|firefox|safari|ios|android|random
	"chrome",
	"edge",
	"firefox",
	"safari",
	"ios",
	"android",
	"random",
}

// Validate reports the first setting that cannot work. Call Normalize first.
func (c *Config) Validate() error {
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.LocalPort)
	}

	u, err := url.Parse(c.TunnelURL)
	if err != nil {
		return fmt.Errorf("%w: tunnel url: %w", ErrInvalid, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: tunnel url scheme %q", ErrInvalid, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: tunnel url has no host", ErrInvalid)
	}

	d, err := url.Parse(c.DoHURL)
	if err != nil {
		return fmt.Errorf("%w: doh url: %w", ErrInvalid, err)
	}
	if d.Scheme != "https" && d.Scheme != "http" {
		return fmt.Errorf("%w: doh url scheme %q", ErrInvalid, d.Scheme)
	}
	if d.Host == "" {
		return fmt.Errorf("%w: doh url has no host", ErrInvalid)
	}

	if c.TLSFingerprint != "" && !checkTLSFingerPrint(c.TLSFingerprint) {
		return fmt.Errorf("%w: unknown tls fingerprint %q, want one of %s",
			ErrInvalid, c.TLSFingerprint, strings.Join(availableTLSFingerPrints, "|"))
	}

	for domain, ip := range c.Hosts {
		if strings.TrimSpace(domain) == "" {
			return fmt.Errorf("%w: hosts entry with empty domain", ErrInvalid)
		}
		if _, err := netip.ParseAddr(strings.TrimSpace(ip)); err != nil {
			return fmt.Errorf("%w: hosts entry %s: %w", ErrInvalid, domain, err)
		}
	}

	if c.DNSCacheTTL < 0 || c.DoHTimeout < 0 || c.HandshakeTimeout < 0 || c.KeepAliveInterval < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	return nil
}

func checkTLSFingerPrint(fp string) bool {
	return slices.Contains(availableTLSFingerPrints, fp)
}
