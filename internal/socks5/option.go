package socks5

import (
	"context"
	"io"
	"time"
)

// Handler serves one SOCKS5 command. w writes to the client; the request
// carries a reader positioned just after the command.
type Handler func(ctx context.Context, w io.Writer, req *Request) error

// Option represents user-configurable options for the SOCKS5 server.
type Option func(s *Server)

// WithConnectHandle is used to handle a user's connect command.
func WithConnectHandle(h Handler) Option {
	return func(s *Server) {
		s.connectHandle = h
	}
}

// WithAssociateHandle is used to handle a user's UDP associate command.
func WithAssociateHandle(h Handler) Option {
	return func(s *Server) {
		s.associateHandle = h
	}
}

// WithHTTPProxy lets HTTP proxy clients share the listener. Their requests
// are served by an HTTP proxy that dials back through this server.
func WithHTTPProxy(enabled bool) Option {
	return func(s *Server) {
		s.httpProxy = enabled
	}
}

// WithHandshakeTimeout bounds the time a client has to send its greeting
// and command. Zero waits forever.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.handshakeTimeout = d
	}
}
