package sab

import (
	"errors"
	"fmt"
)

// Addr is a side-local 32-bit address. Zero is NULL.
type Addr uint32

const (
	// NullOffset is the shared encoding of a NULL address.
	NullOffset uint32 = 0xFFFFFFFF
)

var ErrBadAddress = errors.New("address outside shared pool")

// Translator converts between a side-local address and the pool-relative offset carried
// on the wire. Each side maps the pool at its own base.
type Translator struct {
	mem  MemoryProvider
	pool MemoryRegion
	base Addr
}

// NewTranslator binds the pool region of mem at the local base.
func NewTranslator(mem MemoryProvider, pool MemoryRegion, base Addr) (*Translator, error) {
	if base == 0 {
		return nil, fmt.Errorf("translator base must not be NULL")
	}
	if uint64(base)+uint64(pool.Size) > 0xFFFFFFFF {
		return nil, fmt.Errorf("translator base %#x cannot hold pool of %d bytes", uint32(base), pool.Size)
	}
	if mem != nil && !(MemoryRegion{Size: mem.Size()}).Contains(pool.Offset, pool.Size) {
		return nil, fmt.Errorf("%w: pool %d+%d exceeds %d", ErrOutOfBounds, pool.Offset, pool.Size, mem.Size())
	}
	return &Translator{mem: mem, pool: pool, base: base}, nil
}

// Base returns the local address of pool offset 0.
func (t *Translator) Base() Addr { return t.base }

// PoolSize is also the bad-address marker.
func (t *Translator) PoolSize() uint32 { return t.pool.Size }

// BadOffset is the shared encoding of an address outside the pool.
func (t *Translator) BadOffset() uint32 { return t.pool.Size }

// ToShared converts a local address into a pool-relative offset.
func (t *Translator) ToShared(a Addr) uint32 {
	if a == 0 {
		return NullOffset
	}
	if a < t.base || uint32(a-t.base) >= t.pool.Size {
		return t.pool.Size
	}
	return uint32(a - t.base)
}

// ToLocal converts a pool-relative offset back into a local address.
func (t *Translator) ToLocal(off uint32) (Addr, error) {
	if off == NullOffset {
		return 0, nil
	}
	if off >= t.pool.Size {
		return 0, fmt.Errorf("%w: offset %#x", ErrBadAddress, off)
	}
	return t.base + Addr(off), nil
}

// Contains reports whether [a, a+n) is a valid local pool range.
func (t *Translator) Contains(a Addr, n uint32) bool {
	if a < t.base {
		return false
	}
	return uint64(a-t.base)+uint64(n) <= uint64(t.pool.Size)
}

// Slice returns a zero-copy view of n bytes of the pool at local address a.
func (t *Translator) Slice(a Addr, n uint32) ([]byte, error) {
	if a == 0 || !t.Contains(a, n) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrBadAddress, uint32(a), n)
	}
	return t.mem.Bytes(t.pool.Offset+uint32(a-t.base), n)
}

// Writeback flushes a local pool range before it is handed to the peer.
func (t *Translator) Writeback(a Addr, n uint32) error {
	if !t.Contains(a, n) {
		return ErrBadAddress
	}
	return Writeback(t.mem, t.pool.Offset+uint32(a-t.base), n)
}

// Invalidate drops stale copies of a local pool range received from the peer.
func (t *Translator) Invalidate(a Addr, n uint32) error {
	if !t.Contains(a, n) {
		return ErrBadAddress
	}
	return Invalidate(t.mem, t.pool.Offset+uint32(a-t.base), n)
}
