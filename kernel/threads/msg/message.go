package msg

import (
	"fmt"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/pool"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

// Message is the in-core form of a wire record. It is drawn from a Pool and is
// linked into at most one Queue at a time.
type Message struct {
	Session foundation.Session
	Opcode  foundation.Opcode
	Length  uint32
	Addr    sab.Addr
	// Data views the buffer at Addr. Nil for NULL.
	Data []byte
	Ret  foundation.Status

	key    pool.Key
	pool   *Pool
	next   *Message
	queued bool
}

func (m *Message) Src() foundation.Half        { return m.Session.Src() }
func (m *Message) Dst() foundation.Half        { return m.Session.Dst() }
func (m *Message) Type() foundation.OpcodeType { return m.Opcode.Type() }
func (m *Message) Pool() *Pool                 { return m.pool }
func (m *Message) Queued() bool                { return m.queued }

// Payload returns the first Length bytes of the buffer.
func (m *Message) Payload() []byte {
	if m.Data == nil {
		return nil
	}
	n := m.Length
	if n > uint32(len(m.Data)) {
		n = uint32(len(m.Data))
	}
	return m.Data[:n]
}

// Truncated reports whether m claims more bytes than its buffer holds, a NULL
// address with a non-zero length included.
func (m *Message) Truncated() bool {
	return m.Length > uint32(len(m.Data))
}

// SetBuffer attaches a buffer; a nil slice with zero address means no buffer.
func (m *Message) SetBuffer(addr sab.Addr, data []byte) {
	m.Addr = addr
	m.Data = data
}

// Load fills m from a received record, translating the address into local space.
// The buffer is invalidated before it is trusted.
func (m *Message) Load(w foundation.WireMessage, tr *sab.Translator) error {
	addr, err := tr.ToLocal(w.Address)
	if err != nil {
		return err
	}
	m.Session = w.Session
	m.Opcode = w.Opcode
	m.Length = w.Length
	m.Ret = w.Status()
	m.Addr = addr
	m.Data = nil
	if addr == 0 {
		return nil
	}
	if err := tr.Invalidate(addr, w.Length); err != nil {
		return err
	}
	data, err := tr.Slice(addr, w.Length)
	if err != nil {
		return err
	}
	m.Data = data
	return nil
}

// Wire converts m into a record for the peer, writing back its payload first.
func (m *Message) Wire(tr *sab.Translator) (foundation.WireMessage, error) {
	w := foundation.WireMessage{
		Session: m.Session,
		Opcode:  m.Opcode,
		Length:  m.Length,
		Address: tr.ToShared(m.Addr),
		Ret:     uint32(int32(m.Ret)),
	}
	if m.Addr != 0 {
		if w.Address == tr.BadOffset() {
			return w, fmt.Errorf("%w: %#x", sab.ErrBadAddress, uint32(m.Addr))
		}
		if m.Length > 0 {
			if err := tr.Writeback(m.Addr, m.Length); err != nil {
				return w, err
			}
		}
	}
	return w, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s len=%d addr=%#x ret=%d", m.Session, m.Opcode, m.Length, uint32(m.Addr), int32(m.Ret))
}
