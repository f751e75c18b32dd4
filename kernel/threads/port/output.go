package port

import (
	"errors"
	"fmt"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/threads/pool"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

var (
	ErrAlreadyRouted = errors.New("port: already routed")
	ErrBadRoute      = errors.New("port: invalid route geometry")
)

// OutputPort produces buffers for a consumer. Unrouted, it fills buffers supplied by
// the AP and returns them on completion. Routed, it owns N buffers plus one control
// message and circulates them to a fixed downstream port.
type OutputPort struct {
	self   foundation.Half
	length uint32
	queue  msg.Queue

	created   bool
	routed    bool
	flushing  bool
	unrouting bool

	dst     foundation.Half
	alloc   Allocator
	storage sab.Addr
	buffers *pool.BufferPool
	msgs    *msg.Pool
	control *msg.Message
	away    int
	pending *msg.Message

	d Dispatcher
}

// Init creates an unrouted port addressed as self. length is the minimum buffer size
// the component produces into.
func (p *OutputPort) Init(self foundation.Half, length uint32, d Dispatcher) {
	utils.Bugcheck(!p.created, "output port initialized twice")
	*p = OutputPort{self: self, length: length, created: true, d: d}
}

func (p *OutputPort) Created() bool                { return p.created }
func (p *OutputPort) Routed() bool                 { return p.routed }
func (p *OutputPort) Flushing() bool               { return p.flushing }
func (p *OutputPort) Unrouting() bool              { return p.unrouting }
func (p *OutputPort) Self() foundation.Half        { return p.self }
func (p *OutputPort) Destination() foundation.Half { return p.dst }
func (p *OutputPort) Pending() int                 { return p.queue.Len() }

// Idle holds when no buffer is away downstream and no flush is outstanding.
func (p *OutputPort) Idle() bool {
	return p.away == 0 && !p.flushing
}

// Route allocates n buffers of length bytes aligned to align and binds the port to dst.
func (p *OutputPort) Route(dst foundation.Half, n int, length, align uint32, alloc Allocator) error {
	if p.routed {
		return ErrAlreadyRouted
	}
	if dst.Core() != p.self.Core() || dst.Proxy() {
		return fmt.Errorf("%w: %s is not a port on core %s", ErrBadRoute, dst, p.self.Core())
	}
	if length == 0 {
		length = p.length
	}
	if align == 0 {
		align = 1
	}
	if n <= 0 || length < p.length || align&(align-1) != 0 {
		return fmt.Errorf("%w: n=%d length=%d align=%d", ErrBadRoute, n, length, align)
	}
	stride := (length + align - 1) &^ (align - 1)
	addr, storage, err := alloc.Alloc(stride*uint32(n), align)
	if err != nil {
		return err
	}
	buffers, err := pool.NewBufferPool(storage, addr, n, stride)
	if err != nil {
		_ = alloc.Free(addr)
		return err
	}

	p.msgs = msg.NewPool(fmt.Sprintf("port %s", p.self), n+1)
	for i := 0; i < n; i++ {
		b, _ := buffers.Get()
		m, _ := p.msgs.Get()
		m.SetBuffer(b.Addr, b.Data[:length])
		p.arm(m, dst)
		p.queue.Push(m)
	}
	p.control, _ = p.msgs.Get()
	p.dst = dst
	p.alloc = alloc
	p.storage = addr
	p.buffers = buffers
	p.away = 0
	p.routed = true
	return nil
}

func (p *OutputPort) arm(m *msg.Message, dst foundation.Half) {
	m.Session = foundation.MakeSession(p.self, dst)
	m.Opcode = foundation.Command(foundation.OpEmptyThisBuffer)
	m.Length = 0
	m.Ret = foundation.StatusOK
}

// IsControl reports whether m is this port's reserved control message.
func (p *OutputPort) IsControl(m *msg.Message) bool {
	return p.routed && m == p.control
}

// Owns reports whether m is one of the data messages circulating on a routed port.
func (p *OutputPort) Owns(m *msg.Message) bool {
	return p.routed && m != p.control && p.msgs.Owns(m)
}

// Put takes back a buffer: a returned data message when routed, or an AP buffer to fill
// when unrouted. It reports whether the queue was empty, meaning the component may
// resume producing.
func (p *OutputPort) Put(m *msg.Message) bool {
	if p.routed {
		utils.Bugcheck(p.msgs.Owns(m) && m != p.control, "foreign message returned to routed port %s", p.self)
		utils.Bugcheck(p.away > 0, "port %s: buffer returned while none away", p.self)
		p.away--
		p.arm(m, p.dst)
	}
	first := p.queue.Empty()
	p.queue.Push(m)
	return first
}

// Ready reports whether a buffer is available to produce into.
func (p *OutputPort) Ready() bool {
	return !p.queue.Empty() && !p.flushing
}

// Data returns the head buffer.
func (p *OutputPort) Data() []byte {
	m := p.queue.Peek()
	if m == nil {
		return nil
	}
	return m.Data
}

// Produce completes the head buffer with n bytes.
func (p *OutputPort) Produce(n uint32) {
	m := p.queue.Pop()
	utils.Bugcheck(m != nil, "produce on port %s with no buffer", p.self)
	utils.Bugcheck(n <= uint32(len(m.Data)), "produce %d bytes into %d byte buffer", n, len(m.Data))
	m.Length = n
	if !p.routed {
		p.d.Complete(m)
		return
	}
	p.away++
	p.d.Send(m)
}

// Flush quiesces the port. It reports true when the port is already quiet; otherwise
// the control message carrying opcode is sent downstream and the caller waits for its
// return before calling FlushDone.
func (p *OutputPort) Flush(opcode foundation.OpcodeType) bool {
	if !p.routed {
		p.queue.Drain(func(m *msg.Message) {
			m.Length = 0
			p.d.Complete(m)
		})
		return true
	}
	if p.Idle() {
		return true
	}
	utils.Bugcheck(!p.flushing, "port %s: flush already in progress", p.self)
	c := p.control
	c.Session = foundation.MakeSession(p.self, p.dst)
	c.Opcode = foundation.Command(opcode)
	c.Length = 0
	c.Ret = foundation.StatusOK
	c.SetBuffer(0, nil)
	p.flushing = true
	p.d.Send(c)
	return false
}

// FlushDone ends the flush handshake once the control message has come back.
func (p *OutputPort) FlushDone() {
	utils.Bugcheck(p.flushing, "port %s: flush done without flush", p.self)
	p.flushing = false
}

// Unroute releases every buffer and returns the port to the unrouted state. The port
// must be idle.
func (p *OutputPort) Unroute() {
	utils.Bugcheck(p.routed, "port %s: unroute of unrouted port", p.self)
	utils.Bugcheck(p.Idle(), "port %s: unroute while %d buffers away", p.self, p.away)
	p.queue.Drain(func(m *msg.Message) {
		b := p.buffers.Lookup(m.Addr)
		utils.Bugcheck(b != nil, "port %s: message without buffer", p.self)
		b.Release()
		p.msgs.Put(m)
	})
	p.msgs.Put(p.control)
	utils.Bugcheck(p.buffers.Full() && p.msgs.InUse() == 0, "port %s: buffers leaked on unroute", p.self)
	if err := p.alloc.Free(p.storage); err != nil {
		utils.Warn("port buffer release failed", utils.String("port", p.self.String()), utils.Err(err))
	}
	p.routed = false
	p.dst = 0
	p.buffers = nil
	p.msgs = nil
	p.control = nil
	p.storage = 0
	p.alloc = nil
}

// UnrouteStart defers an unroute request m until the outstanding flush returns.
func (p *OutputPort) UnrouteStart(m *msg.Message) {
	utils.Bugcheck(p.routed && p.flushing, "port %s: deferred unroute needs a flush in progress", p.self)
	utils.Bugcheck(!p.unrouting, "port %s: unroute already pending", p.self)
	p.pending = m
	p.unrouting = true
}

// UnrouteDone finishes a deferred unroute: ends the flush, releases the buffers and
// answers the saved request.
func (p *OutputPort) UnrouteDone() {
	utils.Bugcheck(p.unrouting, "port %s: unroute done without start", p.self)
	m := p.pending
	p.pending = nil
	p.unrouting = false
	p.FlushDone()
	p.Unroute()
	p.d.Complete(m)
}

// Destroy releases the port. A routed port must be idle; buffers held for the AP are
// returned empty.
func (p *OutputPort) Destroy() {
	if p.routed {
		p.Unroute()
	}
	p.Flush(foundation.OpFlush)
	*p = OutputPort{}
}
