package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_FirstFit(t *testing.T) {
	a, err := New(make([]byte, 1024), 32)
	require.NoError(t, err)

	stats := a.Stats()
	assert.Equal(t, uint32(1024), stats.PoolSize)
	assert.Equal(t, uint32(992), stats.Free)

	off1, err := a.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, uint32(32), off1, "payload follows the header granule")

	off2, err := a.Alloc(32)
	require.NoError(t, err)
	assert.Equal(t, uint32(32+128+32), off2)

	size, err := a.SizeOf(off1)
	require.NoError(t, err)
	assert.Equal(t, uint32(128), size)

	require.NoError(t, a.Free(off1))
	off3, err := a.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, off1, off3, "first fit reuses the lowest hole")

	stats = a.Stats()
	assert.Equal(t, uint32(2), stats.Live)
	assert.Equal(t, uint64(3), stats.Allocations)
	assert.Equal(t, uint64(1), stats.Frees)
}

func TestArena_Coalesce(t *testing.T) {
	a, err := New(make([]byte, 1024), 32)
	require.NoError(t, err)

	var offs []uint32
	for i := 0; i < 4; i++ {
		off, err := a.Alloc(64)
		require.NoError(t, err)
		offs = append(offs, off)
	}
	for _, off := range offs {
		require.NoError(t, a.Free(off))
	}
	stats := a.Stats()
	assert.Equal(t, uint32(992), stats.Free)
	assert.Equal(t, uint32(992), stats.LargestFree)

	off, err := a.Alloc(992)
	require.NoError(t, err)
	assert.Equal(t, uint32(32), off)
}

func TestArena_Exhaustion(t *testing.T) {
	a, err := New(make([]byte, 256), 32)
	require.NoError(t, err)

	_, err = a.Alloc(224)
	require.NoError(t, err)
	_, err = a.Alloc(1)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Equal(t, uint64(1), a.Stats().Failures)

	_, err = a.Alloc(0)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestArena_Aligned(t *testing.T) {
	a, err := New(make([]byte, 4096), 32)
	require.NoError(t, err)

	_, err = a.Alloc(100)
	require.NoError(t, err)
	off, err := a.AllocAligned(64, 256)
	require.NoError(t, err)
	assert.Zero(t, off%256)

	_, err = a.AllocAligned(64, 48)
	assert.ErrorIs(t, err, ErrInvalidAlign)

	require.NoError(t, a.Free(off))
	assert.Equal(t, uint32(1), a.Stats().Live)
}

func TestArena_BadFree(t *testing.T) {
	a, err := New(make([]byte, 1024), 32)
	require.NoError(t, err)

	off, err := a.Alloc(64)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Free(off+32), ErrBadFree)
	require.NoError(t, a.Free(off))
	assert.ErrorIs(t, a.Free(off), ErrBadFree, "double free")
}

func TestArena_DetectsCorruption(t *testing.T) {
	mem := make([]byte, 1024)
	a, err := New(mem, 32)
	require.NoError(t, err)

	off, err := a.Alloc(64)
	require.NoError(t, err)
	mem[7] = 0
	_, err = a.Alloc(64)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.ErrorIs(t, a.Free(off), ErrCorrupt)
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(make([]byte, 1024), 24)
	assert.Error(t, err)
	_, err = New(make([]byte, 1024), 4)
	assert.Error(t, err)
	_, err = New(make([]byte, 40), 32)
	assert.Error(t, err)
}
