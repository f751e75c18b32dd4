package supervisor

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/dspaf/kernel/threads/arena"
	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

// SharedAllocator hands out arena blocks as local pool addresses.
type SharedAllocator struct {
	arena *arena.Arena
	tr    *sab.Translator
}

// NewSharedAllocator formats the whole pool behind tr as one arena.
func NewSharedAllocator(tr *sab.Translator, granularity uint32) (*SharedAllocator, error) {
	mem, err := tr.Slice(tr.Base(), tr.PoolSize())
	if err != nil {
		return nil, fmt.Errorf("map shared pool: %w", err)
	}
	a, err := arena.New(mem, granularity)
	if err != nil {
		return nil, err
	}
	return &SharedAllocator{arena: a, tr: tr}, nil
}

func (s *SharedAllocator) Alloc(size, align uint32) (sab.Addr, []byte, error) {
	off, err := s.arena.AllocAligned(size, align)
	if err != nil {
		return 0, nil, err
	}
	return s.tr.Base() + sab.Addr(off), s.arena.Bytes(off, size), nil
}

func (s *SharedAllocator) Free(addr sab.Addr) error {
	if !s.tr.Contains(addr, 1) {
		return fmt.Errorf("%w: %#x", sab.ErrBadAddress, uint32(addr))
	}
	return s.arena.Free(uint32(addr - s.tr.Base()))
}

func (s *SharedAllocator) Stats() arena.Stats { return s.arena.Stats() }

// allocStatus maps allocator errors onto wire statuses.
func allocStatus(err error) foundation.Status {
	switch {
	case err == nil:
		return foundation.StatusOK
	case errors.Is(err, arena.ErrNoSpace):
		return foundation.StatusNoMemory
	case errors.Is(err, sab.ErrBadAddress), errors.Is(err, arena.ErrBadFree):
		return foundation.StatusBadAddress
	default:
		return foundation.StatusInvalid
	}
}
