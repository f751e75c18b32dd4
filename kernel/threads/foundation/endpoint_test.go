package foundation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

func newTestPair(t *testing.T, capacity uint32) (ap, dsp *Endpoint) {
	t.Helper()
	mem, layout := newTestMemory(t, capacity)
	ap, dsp, err := NewEndpointPair(mem, layout, 0x1000_0000, 0x2000_0000)
	require.NoError(t, err)
	return ap, dsp
}

func TestEndpointDirections(t *testing.T) {
	ap, dsp := newTestPair(t, 8)

	cmd := WireMessage{Session: MakeSession(ProxyHalf(CoreAP), ProxyHalf(CoreDSP)), Opcode: Command(OpAlloc), Length: 64}
	require.NoError(t, ap.Send(cmd))
	assert.True(t, dsp.Wait(time.Second))

	got, ok, err := dsp.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cmd, got)

	rsp := got
	rsp.Session = got.Session.Swap()
	require.NoError(t, dsp.Send(rsp))
	assert.True(t, ap.Wait(time.Second))
	back, ok, err := ap.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rsp, back)
}

func TestEndpointAddressTranslation(t *testing.T) {
	ap, dsp := newTestPair(t, 8)

	apAddr := ap.Translator().Base() + 128
	buf, err := ap.Translator().Slice(apAddr, 3)
	require.NoError(t, err)
	copy(buf, "pcm")

	require.NoError(t, ap.Send(WireMessage{Opcode: Command(OpEmptyThisBuffer), Length: 3, Address: ap.Translator().ToShared(apAddr)}))
	m, ok, err := dsp.Receive()
	require.NoError(t, err)
	require.True(t, ok)

	local, err := dsp.Translator().ToLocal(m.Address)
	require.NoError(t, err)
	assert.NotEqual(t, apAddr, local)
	view, err := dsp.Translator().Slice(local, m.Length)
	require.NoError(t, err)
	assert.Equal(t, "pcm", string(view))
}

func TestEndpointSuspend(t *testing.T) {
	ap, dsp := newTestPair(t, 8)

	dsp.Suspend()
	assert.True(t, dsp.Suspended())
	assert.True(t, ap.PeerSuspended())
	assert.ErrorIs(t, ap.Send(WireMessage{}), ErrSuspended)
	_, _, err := ap.Receive()
	assert.ErrorIs(t, err, ErrSuspended)

	dsp.Resume()
	assert.False(t, ap.PeerSuspended())
	assert.NoError(t, ap.Send(WireMessage{}))
}

func TestEndpointReceiveKicksWhenFull(t *testing.T) {
	ap, dsp := newTestPair(t, 2)
	require.NoError(t, dsp.Send(WireMessage{Length: 1}))
	require.NoError(t, dsp.Send(WireMessage{Length: 2}))
	assert.ErrorIs(t, dsp.Send(WireMessage{Length: 3}), ErrRingFull)
	dsp.Wait(0)

	_, ok, err := ap.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, dsp.Wait(time.Second), "draining a full ring wakes the producer")
}

func TestDoorbellWaitTimeout(t *testing.T) {
	mem, _ := newTestMemory(t, 4)
	bell := NewDoorbell(mem, sab.OFFSET_DOORBELL_DSP)
	start := time.Now()
	assert.False(t, bell.Wait(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.False(t, bell.Wait(0))
}

func TestDoorbellWakesReader(t *testing.T) {
	mem, _ := newTestMemory(t, 4)
	ringer := NewDoorbell(mem, sab.OFFSET_DOORBELL_DSP)
	reader := ringer.Reader()

	var wg sync.WaitGroup
	wg.Add(1)
	var woke bool
	go func() {
		defer wg.Done()
		woke = reader.Wait(5 * time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	ringer.Notify()
	wg.Wait()

	assert.True(t, woke)
	assert.Equal(t, uint32(1), reader.Value())
	assert.Equal(t, uint64(1), ringer.Stats().Rings)
	assert.Equal(t, uint64(1), ringer.Stats().Wakes)
}

func TestDoorbellPollsForeignRings(t *testing.T) {
	mem, _ := newTestMemory(t, 4)
	waiter := NewDoorbell(mem, sab.OFFSET_DOORBELL_AP)
	waiter.SetPollInterval(time.Millisecond)
	foreign := NewDoorbell(mem, sab.OFFSET_DOORBELL_AP)

	go func() {
		time.Sleep(5 * time.Millisecond)
		foreign.Notify()
	}()
	assert.True(t, waiter.Wait(5*time.Second))
}
