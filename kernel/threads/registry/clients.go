package registry

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/dspaf/kernel/threads/pool"
)

// MAX_CLIENTS is bounded by the 6-bit client field of a routing id.
const MAX_CLIENTS = 64

var ErrNoClient = errors.New("registry: no such client")

// ClientMap is the client id table. Ids travel on the wire without a generation, so an
// id stays bound to its component until Release; a stale Key is still rejected.
type ClientMap[T any] struct {
	slots    *pool.SlotMap[T]
	acquired uint64
	released uint64
}

// RegistryStats summarizes client occupancy.
type RegistryStats struct {
	Live     int
	Capacity int
	Acquired uint64
	Released uint64
}

func NewClientMap[T any](capacity int) (*ClientMap[T], error) {
	if capacity <= 0 || capacity > MAX_CLIENTS {
		return nil, fmt.Errorf("registry: client capacity %d outside 1..%d", capacity, MAX_CLIENTS)
	}
	return &ClientMap[T]{slots: pool.NewSlotMap[T](capacity)}, nil
}

// Acquire binds v to the lowest free id.
func (c *ClientMap[T]) Acquire(v T) (uint8, pool.Key, error) {
	k, err := c.slots.Insert(v)
	if err != nil {
		return 0, pool.Key{}, fmt.Errorf("registry: client table full: %w", err)
	}
	c.acquired++
	return uint8(k.Index), k, nil
}

// Lookup resolves a wire client id.
func (c *ClientMap[T]) Lookup(id uint8) (T, bool) {
	k, ok := c.slots.At(uint32(id))
	if !ok {
		var zero T
		return zero, false
	}
	return c.slots.Get(k)
}

// Get resolves a key, rejecting keys of a previous tenant.
func (c *ClientMap[T]) Get(k pool.Key) (T, bool) {
	return c.slots.Get(k)
}

// Release frees the id for reuse.
func (c *ClientMap[T]) Release(k pool.Key) error {
	if _, err := c.slots.Remove(k); err != nil {
		return fmt.Errorf("%w: id %d: %v", ErrNoClient, k.Index, err)
	}
	c.released++
	return nil
}

// Each visits live clients in id order.
func (c *ClientMap[T]) Each(fn func(id uint8, v T) bool) {
	c.slots.Each(func(k pool.Key, v *T) bool { return fn(uint8(k.Index), *v) })
}

func (c *ClientMap[T]) Len() int { return c.slots.Len() }
func (c *ClientMap[T]) Cap() int { return c.slots.Cap() }

func (c *ClientMap[T]) Stats() RegistryStats {
	return RegistryStats{Live: c.slots.Len(), Capacity: c.slots.Cap(), Acquired: c.acquired, Released: c.released}
}
