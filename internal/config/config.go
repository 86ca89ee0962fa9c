// Package config holds the bridge settings. The mapstructure tags match the
// CLI flag names so viper can fill a Config from flags, environment and a
// config file alike.
package config

import (
	"strings"
	"time"
)

const (
	DefaultTunnelURL = "wss://nebulaservices.org/wisp/"
	DefaultDoHURL    = "https://cloudflare-dns.com/dns-query"
	DefaultPort      = 1080
)

type Config struct {
	// TunnelURL is the WebSocket endpoint of the multiplexed tunnel.
	TunnelURL string `mapstructure:"tunnel"`
	// LocalPort is the loopback TCP port for SOCKS5. Zero picks a free port.
	LocalPort int `mapstructure:"port"`
	// DoHURL receives intercepted DNS queries.
	DoHURL string `mapstructure:"doh"`

	// HTTPProxy lets plain HTTP proxy clients use the SOCKS5 port.
	HTTPProxy bool `mapstructure:"http-proxy"`
	// StopUDPOnShutdown ends DNS interception sessions when the bridge stops.
	StopUDPOnShutdown bool `mapstructure:"stop-udp-on-shutdown"`

	DNSCacheTTL time.Duration `mapstructure:"dns-cache-ttl"`
	DoHTimeout  time.Duration `mapstructure:"doh-timeout"`
	// Hosts pins domain names to addresses. Intercepted queries for them
	// are answered locally.
	Hosts map[string]string `mapstructure:"hosts"`

	TLSFingerprint    string        `mapstructure:"fingerprint"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake-timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive"`

	Verbose bool `mapstructure:"verbose"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		TunnelURL:         DefaultTunnelURL,
		LocalPort:         DefaultPort,
		DoHURL:            DefaultDoHURL,
		StopUDPOnShutdown: true,
		DNSCacheTTL:       5 * time.Minute,
		DoHTimeout:        10 * time.Second,
		HandshakeTimeout:  15 * time.Second,
		KeepAliveInterval: 10 * time.Second,
	}
}

// Normalize fills in the scheme and defaults the way the mobile host does
// before handing URLs to the bridge.
func (c *Config) Normalize() {
	c.TunnelURL = NormalizeTunnelURL(c.TunnelURL)
	c.DoHURL = NormalizeDoHURL(c.DoHURL)
	c.TLSFingerprint = strings.ToLower(strings.TrimSpace(c.TLSFingerprint))
}

// NormalizeTunnelURL trims u, falls back to the default endpoint when it is
// empty, prefixes wss:// when no WebSocket scheme is given and ensures a
// trailing slash.
func NormalizeTunnelURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return DefaultTunnelURL
	}
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "ws://") && !strings.HasPrefix(lower, "wss://") {
		u = "wss://" + u
	}
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u
}

// NormalizeDoHURL trims u, falls back to the default resolver when it is empty
// and prefixes https:// when u carries no scheme.
func NormalizeDoHURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return DefaultDoHURL
	}
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	return u
}
