package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dspaf/internal/proxy"
	"github.com/nmxmxh/dspaf/kernel/config"
	"github.com/nmxmxh/dspaf/kernel/node"
	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/supervisor/units"
)

const frame = 64

type frames struct {
	mu     sync.Mutex
	writes [][]byte
}

func (f *frames) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *frames) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

type env struct {
	node    *node.Node
	session *proxy.Session
	sink    *frames
}

// setup boots a node with its region in process memory and attaches an AP
// session over the websocket link.
func setup(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	cfg.SharedMemory.Path = ""
	cfg.SharedMemory.PoolSize = 256 * 1024
	cfg.Link.Listen = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	cfg.Scheduler.IdleTimeout = time.Millisecond
	cfg.Registry.FrameSize = frame
	require.NoError(t, cfg.Validate())

	e := &env{sink: &frames{}}
	e.node = node.New(cfg, e.sink)
	require.NoError(t, e.node.Boot())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.node.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, e.node.Shutdown(context.Background()))
	})

	cfg.Link.URL = "ws://" + e.node.LinkAddr() + node.LinkPath
	var err error
	require.Eventually(t, func() bool {
		e.session, err = proxy.Connect(context.Background(), cfg, e.node.Memory())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { assert.NoError(t, e.session.Close()) })
	return e
}

func recv(t *testing.T, ch <-chan foundation.WireMessage, what string) foundation.WireMessage {
	t.Helper()
	select {
	case w := <-ch:
		return w
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	return foundation.WireMessage{}
}

// codecAndRenderer opens a codec routed into a renderer.
func codecAndRenderer(t *testing.T, e *env) (codec, rend *proxy.Handle, completed, eos chan foundation.WireMessage) {
	t.Helper()
	ctx := context.Background()
	completed = make(chan foundation.WireMessage, 8)
	eos = make(chan foundation.WireMessage, 1)

	var err error
	codec, err = e.session.Open(ctx, units.TypeCodec, func(_ *proxy.Handle, w foundation.WireMessage) {
		completed <- w
	})
	require.NoError(t, err)
	rend, err = e.session.Open(ctx, units.TypeRenderer, func(_ *proxy.Handle, w foundation.WireMessage) {
		if w.Opcode.Type() == foundation.OpOutputEOS {
			eos <- w
		}
	})
	require.NoError(t, err)
	require.NoError(t, e.session.Route(ctx, codec, units.CodecOutput, rend, units.RendererInput, 2, frame, frame))
	require.NoError(t, e.session.StartComponent(ctx, codec))
	return codec, rend, completed, eos
}

func TestStreamToEndOfStream(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	codec, rend, completed, eos := codecAndRenderer(t, e)

	in, err := e.session.Alloc(ctx, frame)
	require.NoError(t, err)
	for i := range in.Data {
		in.Data[i] = byte(255 - i)
	}
	require.NoError(t, e.session.Command(codec, units.CodecInput, foundation.OpEmptyThisBuffer, &in, frame))
	require.NoError(t, e.session.Command(codec, units.CodecInput, foundation.OpEmptyThisBuffer, nil, 0))

	w := recv(t, eos, "end of stream")
	assert.Equal(t, rend.Component(), w.Src())

	first := recv(t, completed, "data buffer")
	assert.Equal(t, foundation.OpEmptyThisBuffer, first.Opcode.Type())
	assert.Equal(t, uint32(frame), first.Length)
	last := recv(t, completed, "end of stream buffer")
	assert.Zero(t, last.Length)

	writes := e.sink.snapshot()
	require.Len(t, writes, 1)
	assert.LessOrEqual(t, len(writes[0]), frame)
	assert.Equal(t, in.Data, writes[0])

	require.NoError(t, e.session.Free(ctx, in))
	require.NoError(t, codec.Close(ctx))
	require.NoError(t, rend.Close(ctx))
	st := e.node.Supervisor().Stats()
	assert.Zero(t, st.Components)
	assert.Zero(t, st.Arena.Live)
}

func TestUnregisterWhileDownstreamHoldsBuffer(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	codec, rend, completed, _ := codecAndRenderer(t, e)
	require.NoError(t, e.session.Pause(ctx, rend))

	in, err := e.session.Alloc(ctx, frame)
	require.NoError(t, err)
	require.NoError(t, e.session.Command(codec, units.CodecInput, foundation.OpEmptyThisBuffer, &in, frame))
	recv(t, completed, "data buffer")
	assert.Empty(t, e.sink.snapshot(), "paused renderer holds the frame")

	held := codec.Component()
	require.NoError(t, codec.Close(ctx))
	assert.Equal(t, 1, e.node.Supervisor().Stats().Components)

	// The id is free again only now that the old codec is gone.
	next, err := e.session.Open(ctx, units.TypeCodec, nil)
	require.NoError(t, err)
	assert.NotEqual(t, rend.Component(), next.Component())
	assert.Equal(t, held.Client(), next.Component().Client())

	require.NoError(t, e.session.PauseRelease(ctx, rend))
	require.NoError(t, next.Close(ctx))
	require.NoError(t, rend.Close(ctx))
	require.NoError(t, e.session.Free(ctx, in))
	assert.Zero(t, e.node.Supervisor().Stats().Components)
}

func TestSuspendResumeOverLink(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	require.NoError(t, e.session.Suspend(ctx))
	assert.Eventually(t, func() bool { return e.node.Supervisor().Stats().Suspended }, 5*time.Second, time.Millisecond)

	// RESUME reaches the node through the websocket mailbox.
	require.NoError(t, e.session.Resume(ctx))
	assert.Eventually(t, func() bool { return !e.node.Supervisor().Stats().Suspended }, 5*time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), e.node.Supervisor().Stats().Interrupts)

	info, err := e.session.ShmemInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(256*1024), info.PoolSize)
}
