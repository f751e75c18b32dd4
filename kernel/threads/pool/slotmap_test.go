package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotMap_Capacity(t *testing.T) {
	m := NewSlotMap[string](4)
	var keys []Key
	for i := 0; i < 4; i++ {
		k, err := m.Insert("v")
		require.NoError(t, err)
		assert.Equal(t, uint32(i), k.Index, "lowest index first")
		keys = append(keys, k)
	}
	_, err := m.Insert("overflow")
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 4, m.Len())

	_, err = m.Remove(keys[2])
	require.NoError(t, err)
	k, err := m.Insert("again")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), k.Index)
	assert.NotEqual(t, keys[2].Gen, k.Gen)
}

func TestSlotMap_StaleKey(t *testing.T) {
	m := NewSlotMap[int](2)
	old, err := m.Insert(1)
	require.NoError(t, err)
	_, err = m.Remove(old)
	require.NoError(t, err)

	fresh, err := m.Insert(2)
	require.NoError(t, err)
	assert.Equal(t, old.Index, fresh.Index)

	_, ok := m.Get(old)
	assert.False(t, ok, "stale key must not resolve to the new tenant")
	assert.Nil(t, m.Ptr(old))
	_, err = m.Remove(old)
	assert.ErrorIs(t, err, ErrStaleKey)

	v, ok := m.Get(fresh)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = m.Get(Key{Index: 99})
	assert.False(t, ok)
}

func TestSlotMap_GetPutExactlyOnce(t *testing.T) {
	m := NewSlotMap[int](8)
	seen := map[uint32]bool{}
	var keys []Key
	for i := 0; i < 8; i++ {
		k, err := m.Insert(i)
		require.NoError(t, err)
		assert.False(t, seen[k.Index], "duplicate hand-out")
		seen[k.Index] = true
		keys = append(keys, k)
	}
	for _, k := range keys {
		_, err := m.Remove(k)
		require.NoError(t, err)
	}
	assert.Zero(t, m.Len())
	seen = map[uint32]bool{}
	for i := 0; i < 8; i++ {
		k, err := m.Insert(i)
		require.NoError(t, err)
		assert.False(t, seen[k.Index])
		seen[k.Index] = true
	}
	_, err := m.Insert(9)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestSlotMap_AtAndEach(t *testing.T) {
	m := NewSlotMap[int](4)
	k0, _ := m.Insert(10)
	k1, _ := m.Insert(11)
	_, _ = m.Remove(k0)

	_, ok := m.At(k0.Index)
	assert.False(t, ok)
	k, ok := m.At(k1.Index)
	require.True(t, ok)
	assert.Equal(t, k1, k)

	var visited []int
	m.Each(func(_ Key, v *int) bool {
		visited = append(visited, *v)
		return true
	})
	assert.Equal(t, []int{11}, visited)

	*m.Ptr(k1) = 12
	v, _ := m.Get(k1)
	assert.Equal(t, 12, v)
}
