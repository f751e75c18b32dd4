package sab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryProviderReadWrite(t *testing.T) {
	provider := NewInMemoryProvider(64)
	defer provider.Close()

	data := []byte{1, 2, 3, 4, 5}
	require.NoError(t, provider.WriteAt(8, data))

	read := make([]byte, len(data))
	require.NoError(t, provider.ReadAt(8, read))
	assert.Equal(t, data, read)
}

func TestInMemoryProviderAtomic(t *testing.T) {
	provider := NewInMemoryProvider(16)
	defer provider.Close()

	require.NoError(t, provider.AtomicStore32(4, 10))
	val, err := provider.AtomicLoad32(4)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), val)

	newVal, err := provider.AtomicAdd32(4, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(15), newVal)
}

func TestInMemoryProviderMisaligned(t *testing.T) {
	provider := NewInMemoryProvider(16)
	defer provider.Close()

	_, err := provider.AtomicLoad32(2)
	assert.ErrorIs(t, err, ErrMisaligned)
}

func TestInMemoryProviderBounds(t *testing.T) {
	provider := NewInMemoryProvider(16)
	defer provider.Close()

	assert.ErrorIs(t, provider.WriteAt(14, []byte{1, 2, 3}), ErrOutOfBounds)
	_, err := provider.Bytes(0xFFFFFFFF, 2)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	_, err = provider.AtomicLoad32(16)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestInMemoryProviderBytesIsShared(t *testing.T) {
	provider := NewInMemoryProvider(32)
	defer provider.Close()

	view, err := provider.Bytes(4, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, cap(view))
	view[0] = 0xAB

	read := make([]byte, 1)
	require.NoError(t, provider.ReadAt(4, read))
	assert.Equal(t, byte(0xAB), read[0])
}
