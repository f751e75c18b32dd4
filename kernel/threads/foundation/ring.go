package foundation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"code.hybscloud.com/iox"

	"github.com/nmxmxh/dspaf/kernel/threads/sab"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// Ring index word layout.
const (
	indexPosMask    = 0xFFFF
	indexGenShift   = 16
	indexGenMask    = 0x7FFF
	indexInvalidBit = 1 << 31
	indexValueMask  = indexInvalidBit - 1
)

var (
	// ErrRingFull is returned by Enqueue when no slot is free. Nothing is overwritten.
	ErrRingFull = fmt.Errorf("ring full: %w", iox.ErrWouldBlock)
	// ErrSuspended is returned while either side has flagged the direction invalid.
	ErrSuspended = errors.New("ring suspended")
)

// QueueStats tracks ring activity on the local side.
type QueueStats struct {
	Enqueued uint64
	Dequeued uint64
	Full     uint64
	Depth    uint32
	MaxDepth uint32
}

// Ring is one direction of the shared-memory transport: a power-of-two array of
// wire records with a producer-owned write index and a consumer-owned read index.
type Ring struct {
	mem      sab.MemoryProvider
	slots    sab.MemoryRegion
	capacity uint32
	policy   sab.RegionPolicy
	owner    sab.RegionOwner
	producer bool

	// own is the last value published to the index word this side owns.
	own uint32

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	full     atomic.Uint64
	maxDepth atomic.Uint32
	record   [WIRE_MESSAGE_SIZE]byte
}

// NewRing attaches owner to one ring of layout. The side's role follows the region policy.
func NewRing(mem sab.MemoryProvider, layout sab.Layout, region sab.RegionId, owner sab.RegionOwner) (*Ring, error) {
	policy := sab.PolicyFor(region)
	var slots sab.MemoryRegion
	switch region {
	case sab.RegionCommandRing:
		slots = layout.CommandRing
	case sab.RegionResponseRing:
		slots = layout.ResponseRing
	default:
		return nil, fmt.Errorf("region %d is not a ring", region)
	}
	producer := policy.CanWrite(owner)
	if !producer && !policy.CanRead(owner) {
		return nil, fmt.Errorf("owner %s has no access to region %d", owner, region)
	}
	if err := layout.Validate(mem); err != nil {
		return nil, err
	}
	r := &Ring{
		mem:      mem,
		slots:    slots,
		capacity: layout.Capacity,
		policy:   policy,
		owner:    owner,
		producer: producer,
	}
	own, err := mem.AtomicLoad32(r.ownIndex())
	if err != nil {
		return nil, err
	}
	r.own = own
	return r, nil
}

func (r *Ring) Capacity() uint32 { return r.capacity }
func (r *Ring) Producer() bool   { return r.producer }

func (r *Ring) ownIndex() uint32 {
	if r.producer {
		return r.policy.WriteIndex
	}
	return r.policy.ReadIndex
}

func (r *Ring) peerIndex() uint32 {
	if r.producer {
		return r.policy.ReadIndex
	}
	return r.policy.WriteIndex
}

func (r *Ring) loadPeer() uint32 {
	off := r.peerIndex()
	_ = sab.Invalidate(r.mem, off, 4)
	v, err := r.mem.AtomicLoad32(off)
	utils.Bugcheck(err == nil, "ring index %#x unreadable: %v", off, err)
	return v
}

// publish stores the side's own index word after making every prior write visible.
func (r *Ring) publish(v uint32) {
	off := r.ownIndex()
	owner, ok := sab.IndexOwner(off)
	utils.Bugcheck(ok && owner == r.owner, "%s may not publish index %#x", r.owner, off)
	err := r.mem.AtomicStore32(off, v)
	utils.Bugcheck(err == nil, "ring index %#x unwritable: %v", off, err)
	_ = sab.Writeback(r.mem, off, 4)
	r.own = v
}

func advance(idx, capacity uint32) uint32 {
	pos := idx&indexPosMask + 1
	gen := (idx >> indexGenShift) & indexGenMask
	if pos == capacity {
		pos = 0
		gen = (gen + 1) & indexGenMask
	}
	return idx&indexInvalidBit | gen<<indexGenShift | pos
}

func isEmpty(w, r uint32) bool {
	return w&indexValueMask == r&indexValueMask
}

func isFull(w, r uint32) bool {
	return w&indexPosMask == r&indexPosMask && !isEmpty(w, r)
}

func depth(w, r, capacity uint32) uint32 {
	if isFull(w, r) {
		return capacity
	}
	wp, rp := w&indexPosMask, r&indexPosMask
	if wp >= rp {
		return wp - rp
	}
	return capacity - rp + wp
}

func (r *Ring) slotOffset(idx uint32) uint32 {
	return r.slots.Offset + (idx&indexPosMask)*WIRE_MESSAGE_SIZE
}

// Enqueue writes m into the next slot and publishes the write index.
func (r *Ring) Enqueue(m WireMessage) error {
	utils.Bugcheck(r.producer, "%s enqueue on a ring it consumes", r.owner)
	peer := r.loadPeer()
	if r.own&indexInvalidBit != 0 || peer&indexInvalidBit != 0 {
		return ErrSuspended
	}
	if isFull(r.own, peer) {
		r.full.Add(1)
		return ErrRingFull
	}
	off := r.slotOffset(r.own)
	m.Encode(r.record[:])
	if err := r.mem.WriteAt(off, r.record[:]); err != nil {
		return err
	}
	if err := sab.Writeback(r.mem, off, WIRE_MESSAGE_SIZE); err != nil {
		return err
	}
	r.publish(advance(r.own, r.capacity))
	r.enqueued.Add(1)
	if d := depth(r.own, peer, r.capacity); d > r.maxDepth.Load() {
		r.maxDepth.Store(d)
	}
	return nil
}

// Dequeue returns the oldest record. ok is false when the ring is empty. A suspended
// direction reports ErrSuspended rather than empty.
func (r *Ring) Dequeue() (m WireMessage, ok bool, err error) {
	utils.Bugcheck(!r.producer, "%s dequeue on a ring it produces", r.owner)
	peer := r.loadPeer()
	if r.own&indexInvalidBit != 0 || peer&indexInvalidBit != 0 {
		return WireMessage{}, false, ErrSuspended
	}
	if isEmpty(peer, r.own) {
		return WireMessage{}, false, nil
	}
	off := r.slotOffset(r.own)
	if err := sab.Invalidate(r.mem, off, WIRE_MESSAGE_SIZE); err != nil {
		return WireMessage{}, false, err
	}
	if err := r.mem.ReadAt(off, r.record[:]); err != nil {
		return WireMessage{}, false, err
	}
	m = DecodeWireMessage(r.record[:])
	r.publish(advance(r.own, r.capacity))
	r.dequeued.Add(1)
	return m, true, nil
}

// Len is the number of records in flight as seen from this side.
func (r *Ring) Len() uint32 {
	peer := r.loadPeer()
	own, err := r.mem.AtomicLoad32(r.ownIndex())
	if err != nil {
		return 0
	}
	if r.producer {
		return depth(own, peer, r.capacity)
	}
	return depth(peer, own, r.capacity)
}

// Full reports whether a producer would be refused.
func (r *Ring) Full() bool {
	return r.Len() == r.capacity
}

// Suspend flags this side's index invalid. The peer defers traffic until Resume.
func (r *Ring) Suspend() {
	r.publish(r.own | indexInvalidBit)
}

// Resume clears this side's invalid flag.
func (r *Ring) Resume() {
	r.publish(r.own &^ indexInvalidBit)
}

func (r *Ring) Suspended() bool { return r.own&indexInvalidBit != 0 }

// PeerSuspended reports whether the other side has flagged the direction invalid.
func (r *Ring) PeerSuspended() bool {
	return r.loadPeer()&indexInvalidBit != 0
}

func (r *Ring) Stats() QueueStats {
	return QueueStats{
		Enqueued: r.enqueued.Load(),
		Dequeued: r.dequeued.Load(),
		Full:     r.full.Load(),
		Depth:    r.Len(),
		MaxDepth: r.maxDepth.Load(),
	}
}
