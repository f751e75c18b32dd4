package arena

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Scratch allocator for every shared dynamic buffer.
//
// The pool is a sequence of blocks. Each block starts with a header granule:
//
//	word 0: block size in bytes, header included, a multiple of the granularity
//	word 1: tag (BLOCK_MAGIC | state)
//
// Payload follows the header granule, so payloads are granularity aligned.
// Allocation is first fit; freeing coalesces adjacent free blocks.

const (
	BLOCK_MAGIC    = 0x5CA7C000
	blockMagicMask = 0xFFFFF000
	blockUsed      = 0x1

	MIN_GRANULARITY     = 8
	DEFAULT_GRANULARITY = 32
)

var (
	ErrNoSpace      = errors.New("arena: no space")
	ErrInvalidSize  = errors.New("arena: invalid size")
	ErrInvalidAlign = errors.New("arena: alignment must be a power of two")
	ErrBadFree      = errors.New("arena: offset is not an allocated block")
	ErrCorrupt      = errors.New("arena: block header corrupted")
)

// Arena is a first-fit, header-tagged, fixed-granularity allocator over a byte region.
// Offsets are relative to the start of the region.
type Arena struct {
	mem  []byte
	gran uint32

	allocations uint64
	frees       uint64
	failures    uint64

	mu sync.Mutex
}

// Stats summarizes the arena for SHMEM_INFO and metrics.
type Stats struct {
	PoolSize    uint32
	Free        uint32
	LargestFree uint32
	Live        uint32
	Allocations uint64
	Frees       uint64
	Failures    uint64
}

// New formats mem as a single free block.
func New(mem []byte, granularity uint32) (*Arena, error) {
	if granularity < MIN_GRANULARITY || granularity&(granularity-1) != 0 {
		return nil, fmt.Errorf("arena: granularity %d must be a power of two >= %d", granularity, MIN_GRANULARITY)
	}
	size := uint32(len(mem)) &^ (granularity - 1)
	if size < 2*granularity {
		return nil, fmt.Errorf("arena: %d bytes is too small", len(mem))
	}
	a := &Arena{mem: mem[:size], gran: granularity}
	a.writeHeader(0, size, false)
	return a, nil
}

func (a *Arena) Size() uint32        { return uint32(len(a.mem)) }
func (a *Arena) Granularity() uint32 { return a.gran }

// Alloc returns the offset of a granularity-aligned payload of at least size bytes.
func (a *Arena) Alloc(size uint32) (uint32, error) {
	return a.AllocAligned(size, a.gran)
}

// AllocAligned returns a payload offset that is a multiple of align.
func (a *Arena) AllocAligned(size, align uint32) (uint32, error) {
	if size == 0 || size > a.Size() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if align == 0 {
		align = a.gran
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAlign, align)
	}
	if align < a.gran {
		align = a.gran
	}
	need := alignUp(size, a.gran) + a.gran

	a.mu.Lock()
	defer a.mu.Unlock()

	for start := uint32(0); start < a.Size(); {
		bsize, used, err := a.readHeader(start)
		if err != nil {
			return 0, err
		}
		if !used {
			payload := alignUp(start+a.gran, align)
			lead := payload - a.gran - start
			if uint64(lead)+uint64(need) <= uint64(bsize) {
				return a.carve(start, bsize, lead, need), nil
			}
		}
		start += bsize
	}
	a.failures++
	return 0, fmt.Errorf("%w: %d bytes", ErrNoSpace, size)
}

// carve splits a free block into [lead free][need used][tail free] and returns the payload offset.
func (a *Arena) carve(start, bsize, lead, need uint32) uint32 {
	if lead > 0 {
		a.writeHeader(start, lead, false)
		start += lead
		bsize -= lead
	}
	if tail := bsize - need; tail >= a.gran {
		a.writeHeader(start+need, tail, false)
		bsize = need
	}
	a.writeHeader(start, bsize, true)
	a.allocations++
	return start + a.gran
}

// Free releases the block whose payload starts at off.
func (a *Arena) Free(off uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	start, err := a.find(off)
	if err != nil {
		return err
	}
	bsize, _, _ := a.readHeader(start)
	a.writeHeader(start, bsize, false)
	a.frees++
	return a.coalesce()
}

// SizeOf returns the usable payload size of the allocation at off.
func (a *Arena) SizeOf(off uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start, err := a.find(off)
	if err != nil {
		return 0, err
	}
	bsize, _, _ := a.readHeader(start)
	return bsize - a.gran, nil
}

// Bytes returns the payload view of an allocation.
func (a *Arena) Bytes(off, n uint32) []byte {
	return a.mem[off : off+n : off+n]
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		PoolSize:    a.Size(),
		Allocations: a.allocations,
		Frees:       a.frees,
		Failures:    a.failures,
	}
	for start := uint32(0); start < a.Size(); {
		bsize, used, err := a.readHeader(start)
		if err != nil {
			break
		}
		if used {
			s.Live++
		} else {
			s.Free += bsize - a.gran
			if bsize-a.gran > s.LargestFree {
				s.LargestFree = bsize - a.gran
			}
		}
		start += bsize
	}
	return s
}

// find walks the block list so that only real block boundaries are accepted.
func (a *Arena) find(off uint32) (uint32, error) {
	for start := uint32(0); start < a.Size(); {
		bsize, used, err := a.readHeader(start)
		if err != nil {
			return 0, err
		}
		if start+a.gran == off {
			if !used {
				return 0, fmt.Errorf("%w: %#x already free", ErrBadFree, off)
			}
			return start, nil
		}
		if start > off {
			break
		}
		start += bsize
	}
	return 0, fmt.Errorf("%w: %#x", ErrBadFree, off)
}

func (a *Arena) coalesce() error {
	for start := uint32(0); start < a.Size(); {
		bsize, used, err := a.readHeader(start)
		if err != nil {
			return err
		}
		if !used {
			for next := start + bsize; next < a.Size(); next = start + bsize {
				nsize, nused, err := a.readHeader(next)
				if err != nil {
					return err
				}
				if nused {
					break
				}
				bsize += nsize
			}
			a.writeHeader(start, bsize, false)
		}
		start += bsize
	}
	return nil
}

func (a *Arena) readHeader(start uint32) (size uint32, used bool, err error) {
	size = binary.LittleEndian.Uint32(a.mem[start:])
	tag := binary.LittleEndian.Uint32(a.mem[start+4:])
	if tag&blockMagicMask != BLOCK_MAGIC || size < a.gran || size%a.gran != 0 || uint64(start)+uint64(size) > uint64(a.Size()) {
		return 0, false, fmt.Errorf("%w at %#x", ErrCorrupt, start)
	}
	return size, tag&blockUsed != 0, nil
}

func (a *Arena) writeHeader(start, size uint32, used bool) {
	tag := uint32(BLOCK_MAGIC)
	if used {
		tag |= blockUsed
	}
	binary.LittleEndian.PutUint32(a.mem[start:], size)
	binary.LittleEndian.PutUint32(a.mem[start+4:], tag)
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
