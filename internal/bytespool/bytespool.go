// Package bytespool provides a pool of packet-sized byte buffers shared by
// the ingress path. Buffers are uniquely owned: a buffer checked out with
// [Pool.Get] must be returned exactly once with [Pool.Put], and no parsed
// structure may alias it after it has been returned.
package bytespool

import (
	"math"
	"sync"
)

// bufferSize is the size of every pooled buffer. We always allocate for the
// largest datagram we could read from the wire.
const bufferSize = math.MaxUint16

// Pool is a pool of packet buffers. The zero value is invalid; use [New].
type Pool struct {
	pool *sync.Pool
}

// New creates a new [Pool].
func New() *Pool {
	return &Pool{
		pool: &sync.Pool{
			New: func() any {
				buf := make([]byte, bufferSize)
				return &buf
			},
		},
	}
}

// Default is the pool shared by the packet ingress path.
var Default = New()

// Get checks a buffer out of the pool, sliced to the requested size.
func (p *Pool) Get(size int) []byte {
	if size > bufferSize {
		// too large for pooling, let the GC deal with it
		return make([]byte, size)
	}
	buf := p.pool.Get().(*[]byte)
	return (*buf)[:size]
}

// Put returns a buffer to the pool. Buffers that did not come from the pool
// are dropped on the floor.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != bufferSize {
		return
	}
	whole := buf[:cap(buf)]
	p.pool.Put(&whole)
}
