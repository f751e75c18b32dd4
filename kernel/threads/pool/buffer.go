package pool

import (
	"fmt"

	"github.com/nmxmxh/dspaf/kernel/threads/sab"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// Link is the state-dependent link of a buffer: Free while pooled, Owned while handed out.
type Link interface {
	isLink()
}

// Free links a pooled buffer to the next free one.
type Free struct {
	Next *Buffer
}

// Owned records the pool an allocated buffer returns to.
type Owned struct {
	Pool *BufferPool
}

func (Free) isLink()  {}
func (Owned) isLink() {}

// Buffer is a fixed-size slice of the shared pool.
type Buffer struct {
	Addr sab.Addr
	Data []byte
	link Link
}

// Owner returns the pool of an allocated buffer.
func (b *Buffer) Owner() (*BufferPool, bool) {
	if o, ok := b.link.(Owned); ok {
		return o.Pool, true
	}
	return nil, false
}

// Release returns the buffer to the pool it was allocated from.
func (b *Buffer) Release() {
	o, ok := b.link.(Owned)
	utils.Bugcheck(ok, "release of pooled buffer %#x", uint32(b.Addr))
	o.Pool.put(b)
}

// BufferPool hands out N equally sized buffers carved from one contiguous region.
type BufferPool struct {
	buffers []Buffer
	head    *Buffer
	size    uint32
	base    sab.Addr
	avail   int
}

// NewBufferPool splits storage, mapped at local address base, into n buffers of size bytes.
func NewBufferPool(storage []byte, base sab.Addr, n int, size uint32) (*BufferPool, error) {
	if n <= 0 || size == 0 {
		return nil, fmt.Errorf("buffer pool: invalid geometry %d x %d", n, size)
	}
	if uint64(len(storage)) < uint64(n)*uint64(size) {
		return nil, fmt.Errorf("buffer pool: %d bytes cannot hold %d x %d", len(storage), n, size)
	}
	p := &BufferPool{buffers: make([]Buffer, n), size: size, base: base}
	for i := n - 1; i >= 0; i-- {
		off := uint32(i) * size
		b := &p.buffers[i]
		b.Addr = base + sab.Addr(off)
		b.Data = storage[off : off+size : off+size]
		b.link = Free{Next: p.head}
		p.head = b
	}
	p.avail = n
	return p, nil
}

// Get pops the free-list head.
func (p *BufferPool) Get() (*Buffer, error) {
	b := p.head
	if b == nil {
		return nil, ErrExhausted
	}
	p.head = b.link.(Free).Next
	b.link = Owned{Pool: p}
	p.avail--
	return b, nil
}

func (p *BufferPool) put(b *Buffer) {
	utils.Bugcheck(p.Lookup(b.Addr) == b, "buffer %#x does not belong to this pool", uint32(b.Addr))
	b.link = Free{Next: p.head}
	p.head = b
	p.avail++
}

// Lookup maps a local address back to its buffer.
func (p *BufferPool) Lookup(a sab.Addr) *Buffer {
	if a < p.base {
		return nil
	}
	off := uint32(a - p.base)
	if off%p.size != 0 || int(off/p.size) >= len(p.buffers) {
		return nil
	}
	return &p.buffers[off/p.size]
}

func (p *BufferPool) Available() int     { return p.avail }
func (p *BufferPool) Cap() int           { return len(p.buffers) }
func (p *BufferPool) BufferSize() uint32 { return p.size }

// Full reports whether every buffer is back in the pool.
func (p *BufferPool) Full() bool { return p.avail == len(p.buffers) }
