package foundation

import (
	"testing"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

func newTestMemory(t *testing.T, capacity uint32) (sab.MemoryProvider, sab.Layout) {
	t.Helper()
	layout, err := sab.NewLayout(capacity, 4096)
	require.NoError(t, err)
	mem := sab.NewInMemoryProvider(layout.TotalSize())
	require.NoError(t, layout.Initialize(mem))
	return mem, layout
}

func newTestRings(t *testing.T, capacity uint32) (producer, consumer *Ring) {
	t.Helper()
	mem, layout := newTestMemory(t, capacity)
	producer, err := NewRing(mem, layout, sab.RegionCommandRing, sab.RegionOwnerAP)
	require.NoError(t, err)
	consumer, err = NewRing(mem, layout, sab.RegionCommandRing, sab.RegionOwnerDSP)
	require.NoError(t, err)
	return producer, consumer
}

func record(i uint32) WireMessage {
	return WireMessage{Session: Session(i), Opcode: Command(OpEmptyThisBuffer), Length: i * 2, Address: i, Ret: 0}
}

func TestRingRoles(t *testing.T) {
	producer, consumer := newTestRings(t, 4)
	assert.True(t, producer.Producer())
	assert.False(t, consumer.Producer())

	assert.Panics(t, func() { _ = consumer.Enqueue(record(1)) })
	assert.Panics(t, func() { _, _, _ = producer.Dequeue() })
}

func TestRingFIFO(t *testing.T) {
	producer, consumer := newTestRings(t, 8)

	_, ok, err := consumer.Dequeue()
	require.NoError(t, err)
	assert.False(t, ok)

	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, producer.Enqueue(record(i)))
	}
	assert.Equal(t, uint32(5), consumer.Len())
	for i := uint32(1); i <= 5; i++ {
		m, ok, err := consumer.Dequeue()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, record(i), m)
	}
	_, ok, err = consumer.Dequeue()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRingFullDoesNotOverwrite(t *testing.T) {
	producer, consumer := newTestRings(t, 64)

	for i := uint32(0); i < 64; i++ {
		require.NoError(t, producer.Enqueue(record(i)), "enqueue %d", i)
	}
	err := producer.Enqueue(record(64))
	assert.ErrorIs(t, err, ErrRingFull)
	assert.ErrorIs(t, err, iox.ErrWouldBlock)
	assert.True(t, producer.Full())

	stats := producer.Stats()
	assert.Equal(t, uint64(64), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Full)
	assert.Equal(t, uint32(64), stats.MaxDepth)

	for i := uint32(0); i < 64; i++ {
		m, ok, err := consumer.Dequeue()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, record(i), m)
	}
	_, ok, err := consumer.Dequeue()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRingWrapsGenerations(t *testing.T) {
	producer, consumer := newTestRings(t, 4)

	next := uint32(0)
	for round := 0; round < 50; round++ {
		for i := 0; i < 3; i++ {
			require.NoError(t, producer.Enqueue(record(next+uint32(i))))
		}
		for i := 0; i < 3; i++ {
			m, ok, err := consumer.Dequeue()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, record(next+uint32(i)), m)
		}
		next += 3
	}
	assert.Zero(t, producer.Len())
}

func TestRingIndexEncoding(t *testing.T) {
	idx := uint32(0)
	for i := 0; i < 4; i++ {
		idx = advance(idx, 4)
	}
	assert.Equal(t, uint32(1)<<indexGenShift, idx)
	assert.True(t, isFull(idx, 0))
	assert.False(t, isEmpty(idx, 0))
	assert.True(t, isEmpty(idx|indexInvalidBit, idx))
	assert.Equal(t, uint32(4), depth(idx, 0, 4))

	wrapped := uint32(indexGenMask)<<indexGenShift | 3
	assert.Equal(t, uint32(0), advance(wrapped, 4))
}

func TestRingSuspend(t *testing.T) {
	producer, consumer := newTestRings(t, 4)
	require.NoError(t, producer.Enqueue(record(1)))

	consumer.Suspend()
	assert.True(t, consumer.Suspended())
	assert.True(t, producer.PeerSuspended())
	assert.ErrorIs(t, producer.Enqueue(record(2)), ErrSuspended)
	_, ok, err := consumer.Dequeue()
	assert.ErrorIs(t, err, ErrSuspended)
	assert.False(t, ok)

	consumer.Resume()
	require.NoError(t, producer.Enqueue(record(2)))

	producer.Suspend()
	_, _, err = consumer.Dequeue()
	assert.ErrorIs(t, err, ErrSuspended, "suspended is distinct from empty")
	producer.Resume()

	for i := uint32(1); i <= 2; i++ {
		m, ok, err := consumer.Dequeue()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, record(i), m)
	}
}

func TestRingReattachKeepsIndices(t *testing.T) {
	mem, layout := newTestMemory(t, 8)
	producer, err := NewRing(mem, layout, sab.RegionResponseRing, sab.RegionOwnerDSP)
	require.NoError(t, err)
	require.NoError(t, producer.Enqueue(record(1)))
	require.NoError(t, producer.Enqueue(record(2)))

	again, err := NewRing(mem, layout, sab.RegionResponseRing, sab.RegionOwnerDSP)
	require.NoError(t, err)
	require.NoError(t, again.Enqueue(record(3)))

	consumer, err := NewRing(mem, layout, sab.RegionResponseRing, sab.RegionOwnerAP)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), consumer.Len())
}

func TestNewRingRejectsPool(t *testing.T) {
	mem, layout := newTestMemory(t, 8)
	_, err := NewRing(mem, layout, sab.RegionPool, sab.RegionOwnerAP)
	assert.Error(t, err)
}
