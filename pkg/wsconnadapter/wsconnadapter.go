// Package wsconnadapter presents a WebSocket connection as a net.Conn byte
// stream so that a stream multiplexer can run on top of it. Each Write becomes
// one binary message; reads see the concatenation of received messages.
package wsconnadapter

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnexpectedMessage is returned when the peer sends a non-binary message.
var ErrUnexpectedMessage = errors.New("unexpected websocket message type")

const closeGrace = time.Second

// Adapter represents a WebSocket connection as a net.Conn.
// Some caveats apply: https://github.com/gorilla/websocket/issues/441
type Adapter struct {
	conn       *websocket.Conn
	readMutex  sync.Mutex
	writeMutex sync.Mutex
	reader     io.Reader
	closeOnce  sync.Once
	closeErr   error
}

var _ net.Conn = (*Adapter)(nil)

func New(conn *websocket.Conn) *Adapter {
	return &Adapter{conn: conn}
}

// Read reads the next bytes of the stream. A close frame from the peer with a
// normal or going-away status reads as io.EOF.
func (a *Adapter) Read(b []byte) (int, error) {
	a.readMutex.Lock()
	defer a.readMutex.Unlock()

	for {
		if a.reader == nil {
			messageType, reader, err := a.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				return 0, fmt.Errorf("%w: %d", ErrUnexpectedMessage, messageType)
			}
			a.reader = reader
		}

		n, err := a.reader.Read(b)
		if errors.Is(err, io.EOF) {
			// End of one message, not of the stream.
			a.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Write sends b as one binary message.
func (a *Adapter) Write(b []byte) (int, error) {
	a.writeMutex.Lock()
	defer a.writeMutex.Unlock()

	if err := a.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a normal close frame and closes the underlying connection.
// Only the first call has any effect.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		a.closeErr = a.conn.Close()
	})
	return a.closeErr
}

func (a *Adapter) LocalAddr() net.Addr {
	return a.conn.LocalAddr()
}

func (a *Adapter) RemoteAddr() net.Addr {
	return a.conn.RemoteAddr()
}

func (a *Adapter) SetDeadline(t time.Time) error {
	if err := a.SetReadDeadline(t); err != nil {
		return err
	}
	return a.SetWriteDeadline(t)
}

func (a *Adapter) SetReadDeadline(t time.Time) error {
	return a.conn.SetReadDeadline(t)
}

func (a *Adapter) SetWriteDeadline(t time.Time) error {
	return a.conn.SetWriteDeadline(t)
}
