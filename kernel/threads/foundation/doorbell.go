package foundation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

// Notifier wakes the other side of a transport.
type Notifier interface {
	Notify()
	// Wait blocks until notified or timeout elapses. It reports whether a notification arrived.
	Wait(timeout time.Duration) bool
}

// DoorbellStats tracks doorbell activity.
type DoorbellStats struct {
	Rings uint64
	Wakes uint64
}

// DefaultDoorbellPoll bounds how long a waiter can miss a ring from another process.
const DefaultDoorbellPoll = 500 * time.Microsecond

type waitList struct {
	mu      sync.RWMutex
	waiters []chan struct{}
}

// Doorbell is an epoch counter in the control block. Notify bumps it; Wait returns once
// the value differs from the last one observed. Doorbells created with Reader share an
// in-process waiter list, so a ring wakes the waiter without polling.
type Doorbell struct {
	mem    sab.MemoryProvider
	offset uint32
	last   uint32
	poll   time.Duration

	waiters *waitList
	rings   *atomic.Uint64
	wakes   *atomic.Uint64
}

func NewDoorbell(mem sab.MemoryProvider, offset uint32) *Doorbell {
	last, _ := mem.AtomicLoad32(offset)
	return &Doorbell{
		mem:     mem,
		offset:  offset,
		last:    last,
		poll:    DefaultDoorbellPoll,
		waiters: &waitList{},
		rings:   &atomic.Uint64{},
		wakes:   &atomic.Uint64{},
	}
}

// Reader creates a doorbell on the same word that shares the signaling mechanism.
func (d *Doorbell) Reader() *Doorbell {
	last, _ := d.mem.AtomicLoad32(d.offset)
	return &Doorbell{
		mem:     d.mem,
		offset:  d.offset,
		last:    last,
		poll:    d.poll,
		waiters: d.waiters,
		rings:   d.rings,
		wakes:   d.wakes,
	}
}

// SetPollInterval changes how often Wait rechecks the word for rings from other processes.
func (d *Doorbell) SetPollInterval(p time.Duration) {
	if p > 0 {
		d.poll = p
	}
}

func (d *Doorbell) Value() uint32 {
	_ = sab.Invalidate(d.mem, d.offset, 4)
	v, _ := d.mem.AtomicLoad32(d.offset)
	return v
}

func (d *Doorbell) Notify() {
	_, _ = d.mem.AtomicAdd32(d.offset, 1)
	_ = sab.Writeback(d.mem, d.offset, 4)
	d.rings.Add(1)
	d.notifyWaiters()
}

func (d *Doorbell) changed() bool {
	if v := d.Value(); v != d.last {
		d.last = v
		d.wakes.Add(1)
		return true
	}
	return false
}

func (d *Doorbell) Wait(timeout time.Duration) bool {
	if d.changed() {
		return true
	}
	if timeout <= 0 {
		return false
	}

	ch := make(chan struct{}, 1)
	d.addWaiter(ch)
	defer d.removeWaiter(ch)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(d.poll)
	defer poll.Stop()
	for {
		if d.changed() {
			return true
		}
		select {
		case <-ch:
		case <-poll.C:
		case <-deadline.C:
			return d.changed()
		}
	}
}

func (d *Doorbell) Stats() DoorbellStats {
	return DoorbellStats{Rings: d.rings.Load(), Wakes: d.wakes.Load()}
}

func (d *Doorbell) addWaiter(ch chan struct{}) {
	d.waiters.mu.Lock()
	defer d.waiters.mu.Unlock()
	d.waiters.waiters = append(d.waiters.waiters, ch)
}

func (d *Doorbell) removeWaiter(ch chan struct{}) {
	d.waiters.mu.Lock()
	defer d.waiters.mu.Unlock()
	for i, w := range d.waiters.waiters {
		if w == ch {
			d.waiters.waiters = append(d.waiters.waiters[:i], d.waiters.waiters[i+1:]...)
			break
		}
	}
}

func (d *Doorbell) notifyWaiters() {
	d.waiters.mu.RLock()
	defer d.waiters.mu.RUnlock()
	for _, ch := range d.waiters.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
