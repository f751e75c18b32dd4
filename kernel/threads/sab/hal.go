package sab

import "errors"

// MemoryProvider abstracts access to the memory shared by the AP and the DSP.
// Implementations may be backed by mmap or by in-memory buffers.
type MemoryProvider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	// Bytes returns a zero-copy view of [offset, offset+n).
	Bytes(offset, n uint32) ([]byte, error)
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	Close() error
}

// CacheMaintainer is implemented by providers whose memory is not coherent between
// the two sides. Writeback pushes local writes out; Invalidate drops stale local copies.
type CacheMaintainer interface {
	Writeback(offset, n uint32) error
	Invalidate(offset, n uint32) error
}

var ErrOutOfBounds = errors.New("offset out of bounds")
var ErrMisaligned = errors.New("offset is not 4-byte aligned")

// Writeback flushes [offset, offset+n) when the provider needs explicit cache maintenance.
func Writeback(mem MemoryProvider, offset, n uint32) error {
	if cm, ok := mem.(CacheMaintainer); ok {
		return cm.Writeback(offset, n)
	}
	return nil
}

// Invalidate discards cached copies of [offset, offset+n) before they are read.
func Invalidate(mem MemoryProvider, offset, n uint32) error {
	if cm, ok := mem.(CacheMaintainer); ok {
		return cm.Invalidate(offset, n)
	}
	return nil
}

func checkRange(size, offset, n uint32) error {
	end := uint64(offset) + uint64(n)
	if end > uint64(size) {
		return ErrOutOfBounds
	}
	return nil
}
