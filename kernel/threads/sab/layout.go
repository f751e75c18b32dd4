package sab

import (
	"errors"
	"fmt"
)

// Shared memory layout
//
//	+-------------------+ 0x0000
//	| control block     |  index words, doorbells, magic (one cache line)
//	+-------------------+ 0x0040
//	| command ring      |  AP -> DSP, Capacity x WireRecordSize
//	+-------------------+
//	| response ring     |  DSP -> AP, Capacity x WireRecordSize
//	+-------------------+ page aligned
//	| buffer pool       |  scratch arena for all shared dynamic buffers
//	+-------------------+
const (
	LAYOUT_MAGIC   = 0x46505344 // "DSPF"
	LAYOUT_VERSION = 1

	DEFAULT_RING_CAPACITY = 64
	MAX_RING_CAPACITY     = 1 << 15
	WIRE_RECORD_SIZE      = 20

	// ========== CONTROL BLOCK (0x00 - 0x40) ==========
	OFFSET_CMD_WRITE_IDX = 0x00 // owned by AP
	OFFSET_CMD_READ_IDX  = 0x04 // owned by DSP
	OFFSET_RSP_WRITE_IDX = 0x08 // owned by DSP
	OFFSET_RSP_READ_IDX  = 0x0C // owned by AP
	OFFSET_DOORBELL_DSP  = 0x10 // epoch bumped by AP to wake DSP
	OFFSET_DOORBELL_AP   = 0x14 // epoch bumped by DSP to wake AP
	OFFSET_MAGIC         = 0x18
	OFFSET_VERSION       = 0x1C
	OFFSET_RING_CAPACITY = 0x20
	OFFSET_POOL_SIZE     = 0x24
	SIZE_CONTROL_BLOCK   = 0x40

	// ========== ALIGNMENT REQUIREMENTS ==========
	ALIGNMENT_CACHE_LINE = 64
	ALIGNMENT_PAGE       = 4096
)

var (
	ErrBadMagic       = errors.New("shared memory not initialized")
	ErrLayoutTooBig   = errors.New("layout exceeds shared memory size")
	ErrBadCapacity    = errors.New("ring capacity must be a power of two")
	ErrLayoutMismatch = errors.New("shared memory layout mismatch")
)

// MemoryRegion describes a region of the shared memory
type MemoryRegion struct {
	Name    string
	Offset  uint32
	Size    uint32
	Purpose string
}

// End returns the first offset past the region.
func (r MemoryRegion) End() uint32 {
	return r.Offset + r.Size
}

// Contains reports whether [offset, offset+n) lies inside the region.
func (r MemoryRegion) Contains(offset, n uint32) bool {
	return offset >= r.Offset && uint64(offset)+uint64(n) <= uint64(r.End())
}

// Layout is the computed placement of every region for one ring capacity and pool size.
type Layout struct {
	Capacity     uint32
	Control      MemoryRegion
	CommandRing  MemoryRegion
	ResponseRing MemoryRegion
	Pool         MemoryRegion
}

// NewLayout computes the layout; poolSize is rounded up to a page.
func NewLayout(capacity, poolSize uint32) (Layout, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 || capacity > MAX_RING_CAPACITY {
		return Layout{}, fmt.Errorf("%w: %d", ErrBadCapacity, capacity)
	}
	ringSize := align(capacity*WIRE_RECORD_SIZE, ALIGNMENT_CACHE_LINE)

	l := Layout{Capacity: capacity}
	l.Control = MemoryRegion{Name: "control", Offset: 0, Size: SIZE_CONTROL_BLOCK, Purpose: "ring indices and doorbells"}
	l.CommandRing = MemoryRegion{Name: "command-ring", Offset: l.Control.End(), Size: ringSize, Purpose: "AP to DSP records"}
	l.ResponseRing = MemoryRegion{Name: "response-ring", Offset: l.CommandRing.End(), Size: ringSize, Purpose: "DSP to AP records"}
	l.Pool = MemoryRegion{
		Name:    "pool",
		Offset:  align(l.ResponseRing.End(), ALIGNMENT_PAGE),
		Size:    align(poolSize, ALIGNMENT_PAGE),
		Purpose: "shared dynamic buffers",
	}
	return l, nil
}

// TotalSize is the minimum shared memory size able to hold the layout.
func (l Layout) TotalSize() uint32 {
	return l.Pool.End()
}

// Regions lists the regions in address order.
func (l Layout) Regions() []MemoryRegion {
	return []MemoryRegion{l.Control, l.CommandRing, l.ResponseRing, l.Pool}
}

// Validate checks that the regions do not overlap and fit into the provider.
func (l Layout) Validate(mem MemoryProvider) error {
	regions := l.Regions()
	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			if regionsOverlap(regions[i], regions[j]) {
				return fmt.Errorf("region %s overlaps with %s", regions[i].Name, regions[j].Name)
			}
		}
	}
	if mem != nil && l.TotalSize() > mem.Size() {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrLayoutTooBig, l.TotalSize(), mem.Size())
	}
	return nil
}

// Initialize zeroes the control block and stamps the layout header. Only the side that
// creates the shared memory calls it, before the peer attaches.
func (l Layout) Initialize(mem MemoryProvider) error {
	if err := l.Validate(mem); err != nil {
		return err
	}
	zero := make([]byte, SIZE_CONTROL_BLOCK)
	if err := mem.WriteAt(0, zero); err != nil {
		return err
	}
	header := []struct {
		off uint32
		val uint32
	}{
		{OFFSET_VERSION, LAYOUT_VERSION},
		{OFFSET_RING_CAPACITY, l.Capacity},
		{OFFSET_POOL_SIZE, l.Pool.Size},
		{OFFSET_MAGIC, LAYOUT_MAGIC},
	}
	for _, h := range header {
		if err := mem.AtomicStore32(h.off, h.val); err != nil {
			return err
		}
	}
	return Writeback(mem, 0, SIZE_CONTROL_BLOCK)
}

// Attach reads the header written by Initialize and returns the layout it describes.
func Attach(mem MemoryProvider) (Layout, error) {
	if err := Invalidate(mem, 0, SIZE_CONTROL_BLOCK); err != nil {
		return Layout{}, err
	}
	magic, err := mem.AtomicLoad32(OFFSET_MAGIC)
	if err != nil {
		return Layout{}, err
	}
	if magic != LAYOUT_MAGIC {
		return Layout{}, ErrBadMagic
	}
	version, _ := mem.AtomicLoad32(OFFSET_VERSION)
	if version != LAYOUT_VERSION {
		return Layout{}, fmt.Errorf("%w: version %d", ErrLayoutMismatch, version)
	}
	capacity, _ := mem.AtomicLoad32(OFFSET_RING_CAPACITY)
	poolSize, _ := mem.AtomicLoad32(OFFSET_POOL_SIZE)
	l, err := NewLayout(capacity, poolSize)
	if err != nil {
		return Layout{}, err
	}
	return l, l.Validate(mem)
}

func regionsOverlap(a, b MemoryRegion) bool {
	return a.Offset < b.End() && b.Offset < a.End()
}

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
