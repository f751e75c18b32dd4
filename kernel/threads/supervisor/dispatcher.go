package supervisor

import (
	"errors"
	"sync/atomic"

	"code.hybscloud.com/iox"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/threads/registry"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
	"github.com/nmxmxh/dspaf/kernel/threads/scheduler"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// AdminHandler serves one administrative opcode addressed to the proxy half.
// The handler owns m and must send a response.
type AdminHandler func(d *Dispatcher, m *msg.Message)

// DispatchStats counts dispatcher activity. Safe to read from any goroutine.
type DispatchStats struct {
	Dispatched uint64
	Admin      uint64
	Forwarded  uint64
	Deferred   uint64
	Failed     uint64
	Components int
	Pending    int
}

// Dispatcher routes messages on the local core. Messages for the local core
// are queued and delivered from the main loop, never re-entrantly; messages
// for the peer core are published on the transport or deferred.
type Dispatcher struct {
	core    foundation.Core
	logger  *utils.Logger
	ep      *foundation.Endpoint
	tr      *sab.Translator
	pool    *msg.Pool
	alloc   *SharedAllocator
	sched   *scheduler.Scheduler
	factory *Factory
	clients *registry.ClientMap[*Component]
	tasks   map[*scheduler.Task]*Component
	admin   map[foundation.OpcodeType]AdminHandler

	local    msg.Queue
	deferred msg.Queue

	suspended      bool
	suspendPending bool

	dispatched atomic.Uint64
	admins     atomic.Uint64
	forwarded  atomic.Uint64
	deferrals  atomic.Uint64
	failed     atomic.Uint64
	live       atomic.Int32
	pending    atomic.Int32
}

// Handle installs or replaces the handler for an administrative opcode.
func (d *Dispatcher) Handle(t foundation.OpcodeType, h AdminHandler) {
	d.admin[t] = h
}

func (d *Dispatcher) Core() foundation.Core       { return d.core }
func (d *Dispatcher) Pool() *msg.Pool             { return d.pool }
func (d *Dispatcher) Allocator() *SharedAllocator { return d.alloc }
func (d *Dispatcher) Suspended() bool             { return d.suspended }

// Lookup returns the live component with client id.
func (d *Dispatcher) Lookup(id uint8) (*Component, bool) {
	return d.clients.Lookup(id)
}

// Send delivers m to its destination half.
func (d *Dispatcher) Send(m *msg.Message) {
	if m.Dst().Core() == d.core {
		d.local.Push(m)
		d.pending.Store(int32(d.local.Len()))
		return
	}
	d.forward(m)
}

// Complete returns m to its sender with status OK.
func (d *Dispatcher) Complete(m *msg.Message) {
	d.Respond(m, foundation.StatusOK)
}

// Respond returns m to its sender with status st.
func (d *Dispatcher) Respond(m *msg.Message, st foundation.Status) {
	m.Ret = st
	m.Session = m.Session.Swap()
	d.Send(m)
}

// Dispatch delivers one message. Unknown opcodes and missing clients are
// answered with a generic error.
func (d *Dispatcher) Dispatch(m *msg.Message) {
	d.dispatched.Add(1)
	dst := m.Dst()
	if dst.Core() != d.core {
		d.forward(m)
		return
	}
	if !m.Opcode.Valid() {
		d.logger.Warn("malformed opcode",
			utils.Hex("opcode", uint32(m.Opcode)),
			utils.String("session", m.Session.String()))
		d.fail(m, foundation.StatusGeneric)
		return
	}
	if dst.Proxy() {
		d.admins.Add(1)
		h, ok := d.admin[m.Type()]
		if !ok {
			d.logger.Warn("unsupported administrative opcode", utils.String("opcode", m.Opcode.String()))
			d.fail(m, foundation.StatusGeneric)
			return
		}
		h(d, m)
		return
	}
	c, ok := d.clients.Lookup(dst.Client())
	if !ok {
		d.logger.Warn("message for unknown client",
			utils.Int("client", int(dst.Client())),
			utils.String("message", m.String()))
		d.fail(m, foundation.StatusGeneric)
		return
	}
	d.deliver(c, m)
}

func (d *Dispatcher) deliver(c *Component, m *msg.Message) {
	if c.terminal {
		if c.unit.Exit(c, m) == ExitDone {
			d.destroy(c)
		}
		return
	}
	if st := c.unit.Entry(c, m); st < 0 {
		c.logger.Debug("entry failed, tearing down", utils.String("status", st.String()))
		d.teardown(c, nil)
	}
}

// step runs one scheduled processing step of c.
func (d *Dispatcher) step(c *Component) {
	if c.terminal || c.paused {
		return
	}
	if st := c.unit.Entry(c, nil); st < 0 {
		c.logger.Debug("step failed, tearing down", utils.String("status", st.String()))
		d.teardown(c, nil)
	}
}

// teardown starts the exit sequence. req, if any, is answered once the
// component is fully destroyed.
func (d *Dispatcher) teardown(c *Component, req *msg.Message) {
	d.sched.Cancel(&c.task)
	c.terminal = true
	c.exitReq = req
	if c.unit.Exit(c, nil) == ExitDone {
		d.destroy(c)
		return
	}
	c.logger.Debug("exit pending")
}

func (d *Dispatcher) destroy(c *Component) {
	d.sched.Cancel(&c.task)
	delete(d.tasks, &c.task)
	err := d.clients.Release(c.key)
	utils.Bugcheck(err == nil, "release of client %d: %v", c.id, err)
	d.live.Add(-1)
	c.logger.Debug("component destroyed")
	if req := c.exitReq; req != nil {
		c.exitReq = nil
		d.Complete(req)
	}
}

// fail answers m with st. A message that cannot be answered because its
// sender is also gone is recycled.
func (d *Dispatcher) fail(m *msg.Message, st foundation.Status) {
	d.failed.Add(1)
	src := m.Src()
	if src.Core() == d.core && !src.Proxy() {
		if _, ok := d.clients.Lookup(src.Client()); !ok {
			d.logger.Error("dropping unanswerable message", utils.String("message", m.String()))
			d.recycle(m)
			return
		}
	}
	d.Respond(m, st)
}

func (d *Dispatcher) recycle(m *msg.Message) {
	if d.pool.Owns(m) {
		d.pool.Put(m)
	}
}

func (d *Dispatcher) forward(m *msg.Message) {
	utils.Bugcheck(d.pool.Owns(m), "outbound message not from core pool: %s", m)
	if d.deferred.Empty() {
		err := d.publish(m)
		if err == nil {
			d.pool.Put(m)
			return
		}
		if !errors.Is(err, iox.ErrWouldBlock) && !errors.Is(err, foundation.ErrSuspended) {
			d.logger.Error("transport send failed", utils.Err(err))
		}
	}
	d.deferred.Push(m)
	d.deferrals.Add(1)
}

func (d *Dispatcher) publish(m *msg.Message) error {
	w, err := m.Wire(d.tr)
	if err != nil {
		// w carries the bad-address marker for the peer.
		d.logger.Warn("outbound buffer outside shared pool", utils.Err(err))
	}
	if err := d.ep.Send(w); err != nil {
		return err
	}
	d.forwarded.Add(1)
	return nil
}

// flushDeferred publishes held outbound messages in order. A pending suspend
// invalidates the local indices once nothing is held and the peer has
// consumed every published record.
func (d *Dispatcher) flushDeferred() bool {
	progress := false
	for m := d.deferred.Pop(); m != nil; m = d.deferred.Pop() {
		if err := d.publish(m); err != nil {
			d.deferred.PushFront(m)
			break
		}
		d.pool.Put(m)
		progress = true
	}
	if d.suspendPending && d.deferred.Empty() && d.ep.Tx().Len() == 0 {
		d.suspendPending = false
		d.ep.Suspend()
		d.logger.Info("transport suspended")
	}
	return progress
}

// drainLocal dispatches the messages queued when the pass started.
func (d *Dispatcher) drainLocal() bool {
	n := d.local.Len()
	for i := 0; i < n; i++ {
		d.Dispatch(d.local.Pop())
	}
	d.pending.Store(int32(d.local.Len()))
	return n > 0
}

func (d *Dispatcher) each(fn func(c *Component)) {
	d.clients.Each(func(_ uint8, c *Component) bool {
		fn(c)
		return true
	})
}

func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Dispatched: d.dispatched.Load(),
		Admin:      d.admins.Load(),
		Forwarded:  d.forwarded.Load(),
		Deferred:   d.deferrals.Load(),
		Failed:     d.failed.Load(),
		Components: int(d.live.Load()),
		Pending:    int(d.pending.Load()),
	}
}
