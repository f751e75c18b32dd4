package supervisor

import (
	"errors"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/threads/registry"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// Alignment of buffers handed out by ALLOC.
const allocAlign = sab.ALIGNMENT_CACHE_LINE

func defaultAdmin() map[foundation.OpcodeType]AdminHandler {
	return map[foundation.OpcodeType]AdminHandler{
		foundation.OpRegister:     handleRegister,
		foundation.OpUnregister:   handleUnregister,
		foundation.OpAlloc:        handleAlloc,
		foundation.OpFree:         handleFree,
		foundation.OpSuspend:      handleSuspend,
		foundation.OpResume:       handleResume,
		foundation.OpPause:        handlePause,
		foundation.OpPauseRelease: handlePauseRelease,
		foundation.OpShmemInfo:    handleShmemInfo,
	}
}

// handleRegister creates a component of the type named in the payload. The
// response source half is the new component.
func handleRegister(d *Dispatcher, m *msg.Message) {
	name, err := foundation.DecodeTypeName(m.Payload())
	if err != nil {
		d.logger.Warn("register: bad type name", utils.Err(err))
		d.Respond(m, foundation.StatusInvalid)
		return
	}
	c := &Component{name: name, owner: m.Src(), d: d}
	id, key, err := d.clients.Acquire(c)
	if err != nil {
		d.logger.Warn("register: client table full", utils.String("type", name))
		d.Respond(m, foundation.StatusNoMemory)
		return
	}
	c.id, c.key = id, key
	c.half = foundation.MakeHalf(d.core, id, 0, false)
	c.logger = d.logger.With(utils.String("component", name), utils.Int("client", int(id)))

	unit, err := d.factory.New(name, c)
	if err != nil {
		d.sched.Cancel(&c.task)
		_ = d.clients.Release(key)
		st := foundation.StatusGeneric
		if errors.Is(err, registry.ErrUnknownType) {
			st = foundation.StatusNoEntry
		}
		d.logger.Warn("register: construction failed", utils.String("type", name), utils.Err(err))
		d.Respond(m, st)
		return
	}
	c.unit = unit
	d.tasks[&c.task] = c
	d.live.Add(1)
	c.logger.Debug("component registered", utils.String("owner", c.owner.String()))

	m.Ret = foundation.StatusOK
	m.Session = foundation.MakeSession(c.half, m.Src())
	d.Send(m)
}

// target resolves the client named in the destination half of an
// administrative message.
func target(d *Dispatcher, m *msg.Message) (*Component, bool) {
	c, ok := d.clients.Lookup(m.Dst().Client())
	if !ok {
		d.logger.Warn("administrative message for unknown client",
			utils.String("opcode", m.Opcode.String()),
			utils.Int("client", int(m.Dst().Client())))
	}
	return c, ok
}

func handleUnregister(d *Dispatcher, m *msg.Message) {
	c, ok := target(d, m)
	if !ok {
		d.Respond(m, foundation.StatusGeneric)
		return
	}
	if c.terminal {
		d.Respond(m, foundation.StatusBusy)
		return
	}
	d.teardown(c, m)
}

func handleAlloc(d *Dispatcher, m *msg.Message) {
	if m.Length == 0 {
		d.Respond(m, foundation.StatusInvalid)
		return
	}
	addr, data, err := d.alloc.Alloc(m.Length, allocAlign)
	if err != nil {
		d.logger.Debug("alloc failed", utils.Uint32("size", m.Length), utils.Err(err))
		m.SetBuffer(0, nil)
		d.Respond(m, allocStatus(err))
		return
	}
	m.SetBuffer(addr, data)
	d.Respond(m, foundation.StatusOK)
}

func handleFree(d *Dispatcher, m *msg.Message) {
	err := d.alloc.Free(m.Addr)
	if err != nil {
		d.logger.Warn("free failed", utils.Hex("addr", uint32(m.Addr)), utils.Err(err))
	}
	m.SetBuffer(0, nil)
	m.Length = 0
	d.Respond(m, allocStatus(err))
}

// handleSuspend quiesces components and answers. The local indices are
// invalidated only after the peer has read the response.
func handleSuspend(d *Dispatcher, m *msg.Message) {
	if d.suspended {
		d.Respond(m, foundation.StatusOK)
		return
	}
	d.suspended = true
	d.each(func(c *Component) {
		if p, ok := c.unit.(PowerAware); ok {
			p.Suspend(c)
		}
	})
	d.Respond(m, foundation.StatusOK)
	d.suspendPending = true
	d.flushDeferred()
}

// handleResume arrives over the interrupt path while the ring is invalid.
func handleResume(d *Dispatcher, m *msg.Message) {
	d.suspendPending = false
	if d.ep.Suspended() {
		d.ep.Resume()
		d.logger.Info("transport resumed")
	}
	if d.suspended {
		d.suspended = false
		d.each(func(c *Component) {
			if p, ok := c.unit.(PowerAware); ok {
				p.Resume(c)
			}
		})
	}
	d.Respond(m, foundation.StatusOK)
}

func handlePause(d *Dispatcher, m *msg.Message) {
	c, ok := target(d, m)
	if !ok || c.terminal {
		d.Respond(m, foundation.StatusGeneric)
		return
	}
	if !c.paused {
		c.paused = true
		d.sched.Cancel(&c.task)
		if p, ok := c.unit.(Pausable); ok {
			p.Pause(c)
		}
	}
	d.Respond(m, foundation.StatusOK)
}

func handlePauseRelease(d *Dispatcher, m *msg.Message) {
	c, ok := target(d, m)
	if !ok || c.terminal {
		d.Respond(m, foundation.StatusGeneric)
		return
	}
	if c.paused {
		c.paused = false
		if p, ok := c.unit.(Pausable); ok {
			p.Release(c)
		}
		c.Schedule(0)
	}
	d.Respond(m, foundation.StatusOK)
}

// handleShmemInfo fills the caller's buffer with arena statistics.
func handleShmemInfo(d *Dispatcher, m *msg.Message) {
	if len(m.Data) < foundation.SHMEM_INFO_SIZE {
		d.Respond(m, foundation.StatusInvalid)
		return
	}
	s := d.alloc.Stats()
	foundation.ShmemInfo{
		PoolSize:    s.PoolSize,
		Free:        s.Free,
		LargestFree: s.LargestFree,
		Allocations: s.Live,
	}.Encode(m.Data)
	m.Length = foundation.SHMEM_INFO_SIZE
	d.Respond(m, foundation.StatusOK)
}
