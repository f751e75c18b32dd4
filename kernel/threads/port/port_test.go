package port

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dspaf/kernel/threads/arena"
	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

type recorder struct {
	sent      []*msg.Message
	completed []*msg.Message
	lengths   []uint32
}

func (r *recorder) Send(m *msg.Message) { r.sent = append(r.sent, m) }
func (r *recorder) Complete(m *msg.Message) {
	r.completed = append(r.completed, m)
	r.lengths = append(r.lengths, m.Length)
}

type arenaAlloc struct {
	a    *arena.Arena
	base sab.Addr
}

func newArenaAlloc(t *testing.T) *arenaAlloc {
	t.Helper()
	a, err := arena.New(make([]byte, 64*1024), 32)
	require.NoError(t, err)
	return &arenaAlloc{a: a, base: 0x4000_0000}
}

func (x *arenaAlloc) Alloc(size, align uint32) (sab.Addr, []byte, error) {
	off, err := x.a.AllocAligned(size, align)
	if err != nil {
		return 0, nil, err
	}
	return x.base + sab.Addr(off), x.a.Bytes(off, size), nil
}

func (x *arenaAlloc) Free(addr sab.Addr) error {
	return x.a.Free(uint32(addr - x.base))
}

func dataMessage(t *testing.T, p *msg.Pool, payload []byte) *msg.Message {
	t.Helper()
	m, err := p.Get()
	require.NoError(t, err)
	m.Opcode = foundation.Command(foundation.OpEmptyThisBuffer)
	m.Length = uint32(len(payload))
	if payload != nil {
		m.SetBuffer(0x100, payload)
	}
	return m
}

var (
	producer = foundation.MakeHalf(foundation.CoreDSP, 1, 1, false)
	consumer = foundation.MakeHalf(foundation.CoreDSP, 2, 0, false)
)
