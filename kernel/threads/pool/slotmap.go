package pool

import "errors"

var (
	// ErrExhausted is returned when every slot is live. Pools never grow.
	ErrExhausted = errors.New("pool: exhausted")
	// ErrStaleKey is returned for a key whose slot was released or reused.
	ErrStaleKey = errors.New("pool: stale key")
)

// Key names a slot together with the generation it was handed out in.
type Key struct {
	Index uint32
	Gen   uint32
}

type slot[T any] struct {
	value T
	gen   uint32
	live  bool
	next  int32
}

// SlotMap is a fixed-capacity arena with an O(1) free list. Every release bumps the
// slot generation, so keys from an earlier tenancy no longer resolve.
type SlotMap[T any] struct {
	slots []slot[T]
	free  int32
	len   int
}

// NewSlotMap pre-links capacity slots; the lowest index is handed out first.
func NewSlotMap[T any](capacity int) *SlotMap[T] {
	m := &SlotMap[T]{slots: make([]slot[T], capacity), free: -1}
	for i := capacity - 1; i >= 0; i-- {
		m.slots[i].next = m.free
		m.free = int32(i)
	}
	return m
}

func (m *SlotMap[T]) Len() int { return m.len }
func (m *SlotMap[T]) Cap() int { return len(m.slots) }

// Insert stores v in the free-list head.
func (m *SlotMap[T]) Insert(v T) (Key, error) {
	if m.free < 0 {
		return Key{}, ErrExhausted
	}
	i := m.free
	s := &m.slots[i]
	m.free = s.next
	s.next = -1
	s.live = true
	s.value = v
	m.len++
	return Key{Index: uint32(i), Gen: s.gen}, nil
}

func (m *SlotMap[T]) lookup(k Key) *slot[T] {
	if int(k.Index) >= len(m.slots) {
		return nil
	}
	s := &m.slots[k.Index]
	if !s.live || s.gen != k.Gen {
		return nil
	}
	return s
}

func (m *SlotMap[T]) Get(k Key) (T, bool) {
	if s := m.lookup(k); s != nil {
		return s.value, true
	}
	var zero T
	return zero, false
}

// Ptr returns a stable pointer to the live value, or nil.
func (m *SlotMap[T]) Ptr(k Key) *T {
	if s := m.lookup(k); s != nil {
		return &s.value
	}
	return nil
}

func (m *SlotMap[T]) Contains(k Key) bool {
	return m.lookup(k) != nil
}

// At resolves a bare index to its live key, for ids that travel without a generation.
func (m *SlotMap[T]) At(index uint32) (Key, bool) {
	if int(index) >= len(m.slots) || !m.slots[index].live {
		return Key{}, false
	}
	return Key{Index: index, Gen: m.slots[index].gen}, true
}

// Remove frees the slot, pushing it on the free-list head.
func (m *SlotMap[T]) Remove(k Key) (T, error) {
	s := m.lookup(k)
	if s == nil {
		var zero T
		return zero, ErrStaleKey
	}
	v := s.value
	var zero T
	s.value = zero
	s.live = false
	s.gen++
	s.next = m.free
	m.free = int32(k.Index)
	m.len--
	return v, nil
}

// Each visits live slots in index order until fn returns false.
func (m *SlotMap[T]) Each(fn func(Key, *T) bool) {
	for i := range m.slots {
		s := &m.slots[i]
		if s.live && !fn(Key{Index: uint32(i), Gen: s.gen}, &s.value) {
			return
		}
	}
}
