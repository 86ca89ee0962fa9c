package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Kind is the transport a stream carries to its target.
type Kind uint8

const (
	KindTCP Kind = 0x01
	KindUDP Kind = 0x02
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

var ErrBadTarget = errors.New("tunnel: bad stream target")

// maxHost is the longest host an open header can carry.
const maxHost = 255

// Target is the destination a tunnel stream asks the far end to reach.
// On the wire it is the first bytes of the stream:
//
//	kind(1) | port(2, big endian) | host length(1) | host
type Target struct {
	Kind Kind
	Host string
	Port uint16
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// MarshalBinary encodes the open header.
func (t Target) MarshalBinary() ([]byte, error) {
	if t.Kind != KindTCP && t.Kind != KindUDP {
		return nil, fmt.Errorf("%w: %s", ErrBadTarget, t.Kind)
	}
	if t.Host == "" || len(t.Host) > maxHost {
		return nil, fmt.Errorf("%w: host length %d", ErrBadTarget, len(t.Host))
	}
	b := make([]byte, 4+len(t.Host))
	b[0] = byte(t.Kind)
	binary.BigEndian.PutUint16(b[1:3], t.Port)
	b[3] = byte(len(t.Host))
	copy(b[4:], t.Host)
	return b, nil
}

// ReadTarget reads an open header from r. The far end of a tunnel calls it on
// every accepted stream.
func ReadTarget(r io.Reader) (Target, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Target{}, err
	}
	t := Target{
		Kind: Kind(hdr[0]),
		Port: binary.BigEndian.Uint16(hdr[1:3]),
	}
	if t.Kind != KindTCP && t.Kind != KindUDP {
		return Target{}, fmt.Errorf("%w: %s", ErrBadTarget, t.Kind)
	}
	if hdr[3] == 0 {
		return Target{}, fmt.Errorf("%w: empty host", ErrBadTarget)
	}
	host := make([]byte, hdr[3])
	if _, err := io.ReadFull(r, host); err != nil {
		return Target{}, err
	}
	t.Host = string(host)
	return t, nil
}
