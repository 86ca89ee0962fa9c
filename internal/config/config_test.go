package config

import (
	"errors"
	"testing"
)

func TestNormalizeTunnelURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", DefaultTunnelURL},
		{"   ", DefaultTunnelURL},
		{"example.org/wisp", "wss://example.org/wisp/"},
		{"ws://127.0.0.1:8080", "ws://127.0.0.1:8080/"},
		{" wss://example.org/wisp/ ", "wss://example.org/wisp/"},
		{"WSS://Example.org/x", "WSS://Example.org/x/"},
	}
	for _, tt := range tests {
		if got := NormalizeTunnelURL(tt.in); got != tt.want {
			t.Errorf("NormalizeTunnelURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeDoHURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", DefaultDoHURL},
		{"dns.google/dns-query", "https://dns.google/dns-query"},
		{"https://1.1.1.1/dns-query", "https://1.1.1.1/dns-query"},
		{"http://127.0.0.1:8053/q", "http://127.0.0.1:8053/q"},
	}
	for _, tt := range tests {
		if got := NormalizeDoHURL(tt.in); got != tt.want {
			t.Errorf("NormalizeDoHURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	c.Normalize()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"ephemeral port", func(c *Config) { c.LocalPort = 0 }, true},
		{"negative port", func(c *Config) { c.LocalPort = -1 }, false},
		{"port too large", func(c *Config) { c.LocalPort = 70000 }, false},
		{"http tunnel", func(c *Config) { c.TunnelURL = "http://example.org/" }, false},
		{"no tunnel host", func(c *Config) { c.TunnelURL = "wss:///" }, false},
		{"ftp doh", func(c *Config) { c.DoHURL = "ftp://example.org/" }, false},
		{"known fingerprint", func(c *Config) { c.TLSFingerprint = "firefox" }, true},
		{"unknown fingerprint", func(c *Config) { c.TLSFingerprint = "netscape" }, false},
		{"negative ttl", func(c *Config) { c.DNSCacheTTL = -1 }, false},
		{"hosts entry", func(c *Config) { c.Hosts = map[string]string{"example.com": "192.0.2.1"} }, true},
		{"bad hosts address", func(c *Config) { c.Hosts = map[string]string{"example.com": "nowhere"} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
