// Package pool recycles receive buffers between the socket read loops and
// the decode workers.
package pool

import "sync"

// DatagramBufSize holds any UDP payload a hop port can receive. Datagrams
// larger than the protocol maximum are read whole and rejected by the
// parser instead of being silently truncated.
const DatagramBufSize = 2048

// Pool hands out byte slices of one fixed size.
type Pool struct {
	size int
	p    sync.Pool
}

func New(size int) *Pool {
	p := &Pool{size: size}
	p.p.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size is the length of every buffer the pool returns.
func (p *Pool) Size() int { return p.size }

// Get returns a buffer of Size bytes.
func (p *Pool) Get() *[]byte {
	return p.p.Get().(*[]byte)
}

// Put returns b to the pool. Foreign or shrunken buffers are dropped.
func (p *Pool) Put(b *[]byte) {
	if b == nil || cap(*b) < p.size {
		return
	}
	*b = (*b)[:p.size]
	p.p.Put(b)
}

// Datagrams is the shared receive buffer pool.
var Datagrams = New(DatagramBufSize)
