package port

import (
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// InputPort queues incoming data messages for a component. With an interim buffer
// the data is copied in and accumulated; without one the port is in bypass mode and
// messages are consumed in place.
type InputPort struct {
	queue  msg.Queue
	buffer []byte
	filled uint32
	// offset is the number of bytes already taken from the head message.
	offset uint32

	created bool
	enabled bool
	eosSeen bool
	done    bool
	purging bool

	d Dispatcher
}

// Init creates the port. A nil buffer selects bypass mode.
func (p *InputPort) Init(buffer []byte, d Dispatcher) {
	utils.Bugcheck(!p.created, "input port initialized twice")
	*p = InputPort{buffer: buffer, created: true, enabled: true, d: d}
}

func (p *InputPort) Created() bool  { return p.created }
func (p *InputPort) Bypass() bool   { return p.buffer == nil }
func (p *InputPort) Enabled() bool  { return p.enabled }
func (p *InputPort) EOSSeen() bool  { return p.eosSeen }
func (p *InputPort) Done() bool     { return p.done }
func (p *InputPort) Purging() bool  { return p.purging }
func (p *InputPort) Pending() int   { return p.queue.Len() }
func (p *InputPort) Filled() uint32 { return p.filled }

// Put accepts a message from upstream. It reports whether the queue was empty, meaning
// the component has new work. A disabled port completes the message immediately, as
// does one whose length runs past its buffer, with nothing consumed.
func (p *InputPort) Put(m *msg.Message) bool {
	if !p.enabled || p.purging || m.Truncated() {
		m.Length = 0
		p.d.Complete(m)
		return false
	}
	if m.Length == 0 {
		p.enabled = false
		p.eosSeen = true
	}
	first := p.queue.Empty()
	p.queue.Push(m)
	return first
}

// Fill copies queued data into the interim buffer, completing messages as they are
// drained. It reports whether the buffer holds a full frame or the stream has ended.
// In bypass mode it reports whether a message is available.
func (p *InputPort) Fill() bool {
	if p.Bypass() {
		return !p.queue.Empty()
	}
	for p.filled < uint32(len(p.buffer)) {
		m := p.queue.Peek()
		if m == nil {
			break
		}
		if m.Length == 0 {
			p.queue.Pop()
			p.endOfStream()
			p.d.Complete(m)
			break
		}
		payload := m.Payload()
		n := uint32(copy(p.buffer[p.filled:], payload[p.offset:]))
		p.filled += n
		p.offset += n
		if p.offset >= uint32(len(payload)) {
			p.queue.Pop()
			p.offset = 0
			p.d.Complete(m)
		}
	}
	return p.filled == uint32(len(p.buffer)) || p.done
}

// Data returns the bytes available for processing.
func (p *InputPort) Data() []byte {
	if !p.Bypass() {
		return p.buffer[:p.filled]
	}
	m := p.queue.Peek()
	if m == nil || m.Length == 0 {
		return nil
	}
	payload := m.Payload()
	if p.offset >= uint32(len(payload)) {
		return nil
	}
	return payload[p.offset:]
}

// Consume marks n bytes of Data as processed. In bypass mode a message is completed,
// reporting the bytes taken, once it is used up; consuming the end-of-stream marker
// sets done.
func (p *InputPort) Consume(n uint32) {
	if !p.Bypass() {
		utils.Bugcheck(n <= p.filled, "consume %d of %d buffered bytes", n, p.filled)
		copy(p.buffer, p.buffer[n:p.filled])
		p.filled -= n
		return
	}
	m := p.queue.Peek()
	utils.Bugcheck(m != nil, "consume on empty bypass port")
	if m.Length == 0 {
		utils.Bugcheck(n == 0, "consume %d bytes of end-of-stream", n)
		p.queue.Pop()
		p.endOfStream()
		p.d.Complete(m)
		return
	}
	utils.Bugcheck(p.offset+n <= m.Length, "consume %d past message end", n)
	p.offset += n
	if p.offset == m.Length {
		p.queue.Pop()
		m.Length = p.offset
		p.offset = 0
		p.d.Complete(m)
	}
}

func (p *InputPort) endOfStream() {
	utils.Bugcheck(p.eosSeen && !p.done, "end-of-stream consumed twice")
	p.eosSeen = false
	p.done = true
}

// Purge returns every queued message to its sender and resets the port. The head
// message reports the bytes already taken from it, the others report zero.
func (p *InputPort) Purge() {
	p.purging = true
	head := true
	for m := p.queue.Pop(); m != nil; m = p.queue.Pop() {
		if head {
			m.Length = p.offset
			head = false
		} else {
			m.Length = 0
		}
		p.d.Complete(m)
	}
	p.offset = 0
	p.filled = 0
	p.enabled = true
	p.eosSeen = false
	p.done = false
	p.purging = false
}

// Destroy releases the port. It must not hold messages.
func (p *InputPort) Destroy() {
	utils.Bugcheck(p.queue.Empty(), "destroy of input port with %d pending messages", p.queue.Len())
	*p = InputPort{}
}
