package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// Reply codes sent back to clients.
const (
	RepSuccess             = txsocks5.RepSuccess
	RepServerFailure       = txsocks5.RepServerFailure
	RepNetworkUnreachable  = txsocks5.RepNetworkUnreachable
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
)

// Request is a parsed client command.
type Request struct {
	*txsocks5.Request

	// Host and Port are the requested destination. Host is a domain name or
	// an IP literal without brackets.
	Host string
	Port uint16

	// Conn is the client connection. Reads must go through Reader, which may
	// hold bytes already received.
	Conn       net.Conn
	Reader     io.Reader
	LocalAddr  net.Addr
	RemoteAddr net.Addr

	// Session identifies the client connection in logs.
	Session string
}

func newRequest(raw *txsocks5.Request) (*Request, error) {
	host, _, err := net.SplitHostPort(raw.Address())
	if err != nil {
		return nil, err
	}
	if len(raw.DstPort) != 2 {
		return nil, fmt.Errorf("bad port length %d", len(raw.DstPort))
	}
	return &Request{
		Request: raw,
		Host:    host,
		Port:    binary.BigEndian.Uint16(raw.DstPort),
	}, nil
}

// SendReply writes a reply with the given code. addr is the bound address
// reported to the client; nil reports 0.0.0.0:0.
func SendReply(w io.Writer, rep byte, addr net.Addr) error {
	var reply *txsocks5.Reply
	if addr == nil {
		reply = txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0, 0, 0, 0}, []byte{0, 0})
	} else {
		atyp, bnd, port, err := txsocks5.ParseAddress(addr.String())
		if err != nil {
			return fmt.Errorf("parse bound address %q: %w", addr, err)
		}
		if atyp == txsocks5.ATYPDomain {
			bnd = bnd[1:]
		}
		reply = txsocks5.NewReply(rep, atyp, bnd, port)
	}
	if _, err := reply.WriteTo(w); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}
