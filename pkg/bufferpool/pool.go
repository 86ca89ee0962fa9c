// Package bufferpool hands out fixed-size byte slices for the relay and
// datagram loops so that long-lived sessions do not allocate per read.
package bufferpool

import "sync"

// BufPool gets and returns fixed-size byte slices.
type BufPool interface {
	Get() []byte
	Put([]byte)
	Size() int
}

type pool struct {
	size int
	pool sync.Pool
}

// NewPool returns a pool of slices that are exactly size bytes long.
func NewPool(size int) BufPool {
	p := &pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a slice of Size bytes. Its contents are undefined.
func (p *pool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put gives b back to the pool. Slices of any other capacity are dropped.
func (p *pool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

func (p *pool) Size() int {
	return p.size
}
