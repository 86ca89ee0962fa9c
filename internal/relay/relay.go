// Package relay copies bytes between a local client connection and a tunnel
// stream until either side is done.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/bepass-org/muxbridge/pkg/bufferpool"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// BufferSize is the capacity of each direction's buffer.
const BufferSize = 8192

var ErrIO = errors.New("relay i/o")

var pool = bufferpool.NewPool(BufferSize)

// Buffer holds bytes read from one side that the other side has not yet
// accepted. Bytes are always written out in the order they were read.
type Buffer struct {
	buf []byte
	n   int
}

// NewBuffer wraps b. The whole capacity of b is used.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{buf: b[:cap(b)]}
}

// Len is the number of pending bytes.
func (b *Buffer) Len() int { return b.n }

// Full reports whether another Fill would have nowhere to put data.
func (b *Buffer) Full() bool { return b.n == len(b.buf) }

// Fill performs one read from r into the free tail of the buffer.
func (b *Buffer) Fill(r io.Reader) (int, error) {
	if b.Full() {
		return 0, nil
	}
	n, err := r.Read(b.buf[b.n:])
	b.n += n
	return n, err
}

// Flush performs one write of the pending bytes to w. Whatever w did not take
// is moved to the front of the buffer and kept for the next Flush.
func (b *Buffer) Flush(w io.Writer) (int, error) {
	if b.n == 0 {
		return 0, nil
	}
	n, err := w.Write(b.buf[:b.n])
	if n < 0 || n > b.n {
		return 0, io.ErrShortWrite
	}
	if n > 0 {
		copy(b.buf, b.buf[n:b.n])
		b.n -= n
	}
	if err == nil && n == 0 {
		err = io.ErrShortWrite
	}
	return n, err
}

// Drain flushes until nothing is pending.
func (b *Buffer) Drain(w io.Writer) error {
	for b.n > 0 {
		if _, err := b.Flush(w); err != nil {
			return err
		}
	}
	return nil
}

// Copy moves everything from src to dst through buf and returns the number of
// bytes written. It returns nil when src reports io.EOF and every byte read
// has been written.
func Copy(dst io.Writer, src io.Reader, buf *Buffer) (int64, error) {
	var written int64
	for {
		_, rerr := buf.Fill(src)
		for buf.Len() > 0 {
			n, werr := buf.Flush(dst)
			written += int64(n)
			if werr != nil {
				return written, werr
			}
			// Refill while the writer is slow so one read is always in flight
			// when there is room.
			if !buf.Full() && rerr == nil {
				break
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, buf.Drain(dst)
			}
			return written, rerr
		}
	}
}

// Pipe relays local and remote in both directions. It returns once either
// direction ends, after closing both sides. A clean end of stream or a close
// caused by the peer yields nil; any other failure is wrapped in ErrIO.
// Cancelling ctx closes both sides.
func Pipe(ctx context.Context, local, remote io.ReadWriteCloser) error {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = local.Close()
			_ = remote.Close()
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	direction := func(name string, dst io.Writer, src io.Reader) func() error {
		return func() error {
			defer closeBoth()
			b := pool.Get()
			defer pool.Put(b)
			_, err := Copy(dst, src, NewBuffer(b))
			if err == nil || IsExpectedCloseError(err) {
				return nil
			}
			return fmt.Errorf("%w: %s: %w", ErrIO, name, err)
		}
	}

	g.Go(direction("local->remote", remote, local))
	g.Go(direction("remote->local", local, remote))
	return g.Wait()
}

// IsExpectedCloseError reports whether err is the normal result of a peer or
// the relay itself closing a connection.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	// smux reports a torn down session with its own sentinel values.
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer")
}
