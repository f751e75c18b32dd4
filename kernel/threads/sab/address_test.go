package sab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTranslator(t *testing.T, base Addr) (*Translator, Layout, MemoryProvider) {
	t.Helper()
	l, err := NewLayout(16, 4096)
	require.NoError(t, err)
	mem := NewInMemoryProvider(l.TotalSize())
	tr, err := NewTranslator(mem, l.Pool, base)
	require.NoError(t, err)
	return tr, l, mem
}

func TestTranslatorRoundTrip(t *testing.T) {
	tr, l, _ := newTestTranslator(t, 0x4000_0000)

	for _, off := range []uint32{0, 1, 17, l.Pool.Size - 1} {
		a := tr.Base() + Addr(off)
		shared := tr.ToShared(a)
		assert.Equal(t, off, shared)
		back, err := tr.ToLocal(shared)
		require.NoError(t, err)
		assert.Equal(t, a, back)
	}
}

func TestTranslatorSentinels(t *testing.T) {
	tr, l, _ := newTestTranslator(t, 0x4000_0000)

	assert.Equal(t, NullOffset, tr.ToShared(0))
	a, err := tr.ToLocal(NullOffset)
	require.NoError(t, err)
	assert.Equal(t, Addr(0), a)

	assert.Equal(t, l.Pool.Size, tr.ToShared(tr.Base()-1))
	assert.Equal(t, l.Pool.Size, tr.ToShared(tr.Base()+Addr(l.Pool.Size)))
	assert.Equal(t, tr.BadOffset(), tr.ToShared(0xFFFF_FFF0))

	_, err = tr.ToLocal(l.Pool.Size)
	assert.ErrorIs(t, err, ErrBadAddress)
	_, err = tr.ToLocal(l.Pool.Size + 100)
	assert.ErrorIs(t, err, ErrBadAddress)
}

func TestTranslatorDistinctBases(t *testing.T) {
	l, err := NewLayout(16, 4096)
	require.NoError(t, err)
	mem := NewInMemoryProvider(l.TotalSize())
	ap, err := NewTranslator(mem, l.Pool, 0x1000_0000)
	require.NoError(t, err)
	dsp, err := NewTranslator(mem, l.Pool, 0x8000_0000)
	require.NoError(t, err)

	apAddr := ap.Base() + 0x40
	dspAddr, err := dsp.ToLocal(ap.ToShared(apAddr))
	require.NoError(t, err)
	assert.Equal(t, dsp.Base()+0x40, dspAddr)

	src, err := ap.Slice(apAddr, 4)
	require.NoError(t, err)
	copy(src, []byte{1, 2, 3, 4})
	dst, err := dsp.Slice(dspAddr, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, dst)
}

func TestTranslatorSliceBounds(t *testing.T) {
	tr, l, _ := newTestTranslator(t, 0x4000_0000)

	_, err := tr.Slice(0, 4)
	assert.ErrorIs(t, err, ErrBadAddress)
	_, err = tr.Slice(tr.Base()+Addr(l.Pool.Size)-2, 4)
	assert.ErrorIs(t, err, ErrBadAddress)
	_, err = tr.Slice(tr.Base()+Addr(l.Pool.Size)-4, 4)
	assert.NoError(t, err)
}

func TestNewTranslatorRejects(t *testing.T) {
	l, err := NewLayout(16, 4096)
	require.NoError(t, err)
	mem := NewInMemoryProvider(l.TotalSize())

	_, err = NewTranslator(mem, l.Pool, 0)
	assert.Error(t, err)
	_, err = NewTranslator(mem, l.Pool, 0xFFFF_F000)
	assert.Error(t, err)
	_, err = NewTranslator(NewInMemoryProvider(64), l.Pool, 0x1000)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}
