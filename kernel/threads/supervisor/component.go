// Package supervisor hosts DSP components: it owns the transport endpoint, the
// core message pool, the scratch arena and the scheduler, and dispatches every
// message either to the administrative table or to a registered component.
package supervisor

import (
	"fmt"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/threads/pool"
	"github.com/nmxmxh/dspaf/kernel/threads/port"
	"github.com/nmxmxh/dspaf/kernel/threads/registry"
	"github.com/nmxmxh/dspaf/kernel/threads/scheduler"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// ExitStatus is the result of Unit.Exit.
type ExitStatus int

const (
	ExitDone ExitStatus = iota
	ExitPending
)

func (s ExitStatus) String() string {
	if s == ExitDone {
		return "done"
	}
	return "pending"
}

// Unit is the behaviour of a component type.
//
// Entry receives either a message addressed to one of the component's ports
// or nil for a scheduled processing step. Ownership of the message passes to
// the unit. A negative status tears the component down.
//
// Exit is first called with nil when teardown starts. If it returns
// ExitPending, every later message for the component is handed to Exit (with
// ownership) until it returns ExitDone; only then is the client id released.
type Unit interface {
	Entry(c *Component, m *msg.Message) foundation.Status
	Exit(c *Component, m *msg.Message) ExitStatus
}

// PowerAware units are told about core suspend and resume.
type PowerAware interface {
	Suspend(c *Component)
	Resume(c *Component)
}

// Pausable units are told when the AP pauses or releases them.
type Pausable interface {
	Pause(c *Component)
	Release(c *Component)
}

// Factory builds units by type name at REGISTER time.
type Factory = registry.Factory[*Component, Unit]

// NewFactory returns an empty unit factory.
func NewFactory() *Factory {
	return registry.NewFactory[*Component, Unit]()
}

// Component is a registered unit instance.
type Component struct {
	task     scheduler.Task
	id       uint8
	key      pool.Key
	half     foundation.Half
	owner    foundation.Half
	name     string
	unit     Unit
	terminal bool
	paused   bool
	exitReq  *msg.Message
	d        *Dispatcher
	logger   *utils.Logger
}

func (c *Component) ID() uint8              { return c.id }
func (c *Component) Name() string           { return c.name }
func (c *Component) Half() foundation.Half  { return c.half }
func (c *Component) Owner() foundation.Half { return c.owner }
func (c *Component) Unit() Unit             { return c.unit }
func (c *Component) Terminal() bool         { return c.terminal }
func (c *Component) Paused() bool           { return c.paused }
func (c *Component) Task() *scheduler.Task  { return &c.task }
func (c *Component) Logger() *utils.Logger  { return c.logger }

// Port returns the routing half of port n of this component.
func (c *Component) Port(n uint8) foundation.Half {
	utils.Bugcheck(n < foundation.MaxPorts, "component %d: port %d out of range", c.id, n)
	return c.half.WithPort(n)
}

// Dispatcher returns the dispatcher ports use to move messages.
func (c *Component) Dispatcher() *Dispatcher { return c.d }

// Allocator returns the shared buffer allocator for routed ports.
func (c *Component) Allocator() port.Allocator { return c.d.alloc }

// Now returns the scheduler time in microseconds.
func (c *Component) Now() uint32 { return c.d.sched.Now() }

// Schedule requests a processing step delta microseconds from now. It is a
// no-op while the component is paused, tearing down, or already scheduled.
func (c *Component) Schedule(delta uint32) bool {
	if c.paused || c.terminal {
		return false
	}
	return c.d.sched.Schedule(&c.task, delta)
}

// Cancel drops a pending processing step.
func (c *Component) Cancel() bool {
	return c.d.sched.Cancel(&c.task)
}

// Send forwards m through the dispatcher.
func (c *Component) Send(m *msg.Message) { c.d.Send(m) }

// Complete returns m to its sender with status OK.
func (c *Component) Complete(m *msg.Message) { c.d.Complete(m) }

// Respond returns m to its sender with status st.
func (c *Component) Respond(m *msg.Message, st foundation.Status) { c.d.Respond(m, st) }

// Notify sends an unsolicited message with opcode t from port p to the
// component's owner, using a message from the core pool.
func (c *Component) Notify(p uint8, t foundation.OpcodeType, st foundation.Status) error {
	m, err := c.d.pool.Get()
	if err != nil {
		return err
	}
	m.Session = foundation.MakeSession(c.Port(p), c.owner)
	m.Opcode = foundation.Command(t)
	m.Ret = st
	c.d.Send(m)
	return nil
}

func (c *Component) String() string {
	return fmt.Sprintf("%s#%d", c.name, c.id)
}
