package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrRejected is returned by the client helpers when the server replies with
// anything but success. The reply code is in the wrapping ReplyError.
var ErrRejected = errors.New("socks5: request rejected")

type ReplyError struct {
	Rep byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: request rejected with code %#x", e.Rep)
}

func (e *ReplyError) Unwrap() error { return ErrRejected }

// ClientNegotiate performs the client side of a no-auth method negotiation.
func ClientNegotiate(conn net.Conn) error {
	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone}).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	if neg.Method != txsocks5.MethodNone {
		return fmt.Errorf("%w: method %#x", ErrHandshake, neg.Method)
	}
	return nil
}

// ClientRequest sends cmd for address and returns the bound address from a
// successful reply.
func ClientRequest(conn net.Conn, cmd byte, address string) (*net.TCPAddr, error) {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}
	if _, err := txsocks5.NewRequest(cmd, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != RepSuccess {
		return nil, &ReplyError{Rep: rep.Rep}
	}
	if rep.Atyp == txsocks5.ATYPDomain || len(rep.BndPort) != 2 {
		return nil, fmt.Errorf("unexpected bound address type %#x", rep.Atyp)
	}
	return &net.TCPAddr{
		IP:   net.IP(rep.BndAddr),
		Port: int(binary.BigEndian.Uint16(rep.BndPort)),
	}, nil
}

// ClientDial negotiates and issues a CONNECT to address.
func ClientDial(conn net.Conn, address string) error {
	if err := ClientNegotiate(conn); err != nil {
		return err
	}
	_, err := ClientRequest(conn, txsocks5.CmdConnect, address)
	return err
}

// ClientAssociate negotiates and issues a UDP ASSOCIATE. It returns the relay
// address datagrams must be sent to.
func ClientAssociate(conn net.Conn) (*net.UDPAddr, error) {
	if err := ClientNegotiate(conn); err != nil {
		return nil, err
	}
	bnd, err := ClientRequest(conn, txsocks5.CmdUDP, "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: bnd.IP, Port: bnd.Port}, nil
}
