package msg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/pool"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

func TestPool_Capacity(t *testing.T) {
	p := NewPool("test", 3)
	var got []*Message
	for i := 0; i < 3; i++ {
		m, err := p.Get()
		require.NoError(t, err)
		got = append(got, m)
	}
	_, err := p.Get()
	assert.ErrorIs(t, err, pool.ErrExhausted)
	assert.Zero(t, p.Available())

	p.Put(got[0])
	m, err := p.Get()
	require.NoError(t, err)
	assert.Same(t, got[0], m, "put makes the message available again")
	assert.True(t, p.Owns(m))
}

func TestPool_DoublePutPanics(t *testing.T) {
	p := NewPool("test", 2)
	m, err := p.Get()
	require.NoError(t, err)
	p.Put(m)
	assert.False(t, p.Owns(m))
	assert.Panics(t, func() { p.Put(m) })

	other := NewPool("other", 1)
	m2, err := other.Get()
	require.NoError(t, err)
	assert.Panics(t, func() { p.Put(m2) })
}

func TestPool_PutQueuedPanics(t *testing.T) {
	p := NewPool("test", 1)
	m, err := p.Get()
	require.NoError(t, err)
	var q Queue
	q.Push(m)
	assert.Panics(t, func() { p.Put(m) })
}

func TestQueue_FIFO(t *testing.T) {
	p := NewPool("test", 4)
	var q Queue
	for i := uint32(1); i <= 3; i++ {
		m, err := p.Get()
		require.NoError(t, err)
		m.Length = i
		q.Push(m)
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint32(1), q.Peek().Length)

	first := q.Pop()
	assert.Equal(t, uint32(1), first.Length)
	assert.False(t, first.Queued())
	q.PushFront(first)
	assert.Equal(t, uint32(1), q.Peek().Length)

	var order []uint32
	q.Drain(func(m *Message) { order = append(order, m.Length) })
	assert.Equal(t, []uint32{1, 2, 3}, order)
	assert.True(t, q.Empty())
	assert.Nil(t, q.Pop())
}

func TestQueue_DoublePushPanics(t *testing.T) {
	p := NewPool("test", 1)
	m, err := p.Get()
	require.NoError(t, err)
	var a, b Queue
	a.Push(m)
	assert.Panics(t, func() { b.Push(m) })
}

func TestMessage_WireRoundTrip(t *testing.T) {
	layout, err := sab.NewLayout(4, 4096)
	require.NoError(t, err)
	mem := sab.NewInMemoryProvider(layout.TotalSize())
	apTr, err := sab.NewTranslator(mem, layout.Pool, 0x1000_0000)
	require.NoError(t, err)
	dspTr, err := sab.NewTranslator(mem, layout.Pool, 0x3000_0000)
	require.NoError(t, err)

	data, err := apTr.Slice(apTr.Base()+64, 5)
	require.NoError(t, err)
	copy(data, "audio")

	p := NewPool("test", 2)
	out, err := p.Get()
	require.NoError(t, err)
	out.Session = foundation.MakeSession(foundation.MakeHalf(foundation.CoreAP, 1, 0, false), foundation.MakeHalf(foundation.CoreDSP, 2, 0, false))
	out.Opcode = foundation.Command(foundation.OpEmptyThisBuffer)
	out.Length = 5
	out.SetBuffer(apTr.Base()+64, data)

	w, err := out.Wire(apTr)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), w.Address)

	in, err := p.Get()
	require.NoError(t, err)
	require.NoError(t, in.Load(w, dspTr))
	assert.Equal(t, dspTr.Base()+64, in.Addr)
	assert.Equal(t, "audio", string(in.Payload()))
	assert.Equal(t, out.Session, in.Session)
}

func TestMessage_NullAndBadAddress(t *testing.T) {
	layout, err := sab.NewLayout(4, 4096)
	require.NoError(t, err)
	mem := sab.NewInMemoryProvider(layout.TotalSize())
	tr, err := sab.NewTranslator(mem, layout.Pool, 0x1000_0000)
	require.NoError(t, err)

	m := &Message{Opcode: foundation.Command(foundation.OpFlush)}
	w, err := m.Wire(tr)
	require.NoError(t, err)
	assert.Equal(t, sab.NullOffset, w.Address)

	var in Message
	require.NoError(t, in.Load(w, tr))
	assert.Nil(t, in.Data)
	assert.Zero(t, in.Addr)
	assert.False(t, in.Truncated())

	// A NULL buffer that claims bytes loads, but is flagged.
	w.Length = 16
	require.NoError(t, in.Load(w, tr))
	assert.True(t, in.Truncated())
	w.Length = 0

	m.Addr = 0x10
	_, err = m.Wire(tr)
	assert.ErrorIs(t, err, sab.ErrBadAddress)

	w.Address = layout.Pool.Size
	assert.ErrorIs(t, in.Load(w, tr), sab.ErrBadAddress)
}
