package link

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

func record(op foundation.OpcodeType, length uint32) foundation.WireMessage {
	return foundation.WireMessage{
		Session: foundation.MakeSession(foundation.MakeHalf(foundation.CoreAP, 1, 0, false), foundation.ProxyHalf(foundation.CoreDSP)),
		Opcode:  foundation.Command(op),
		Length:  length,
		Address: sab.NullOffset,
	}
}

func TestKickIsNotARequest(t *testing.T) {
	assert.True(t, IsKick(Kick))
	assert.False(t, Kick.Opcode.Valid())
	assert.False(t, IsKick(record(foundation.OpResume, 0)))
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, record(foundation.OpAlloc, 1)))
	require.NoError(t, b.Send(ctx, record(foundation.OpFree, 2)))
	w, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), w.Length)
	w, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), w.Length)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = a.Recv(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(ctx, Kick), ErrClosed)
	_, err = b.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebSocketLink(t *testing.T) {
	accepted := make(chan *WebSocketLink, 1)
	srv := httptest.NewServer(Handler(func(l *WebSocketLink) { accepted <- l }))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	var server *WebSocketLink
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no link accepted")
	}

	sent := record(foundation.OpResume, 0)
	require.NoError(t, client.Send(ctx, sent))
	got, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, sent, got)

	require.NoError(t, server.Send(ctx, Kick))
	got, err = client.Recv(ctx)
	require.NoError(t, err)
	assert.True(t, IsKick(got))

	require.NoError(t, client.Close())
	_, err = server.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, client.Send(ctx, Kick), ErrClosed)
	_ = server.Close()
}

func TestNotifierKicksAndMail(t *testing.T) {
	a, b := Pipe()
	na, nb := NewNotifier(a, nil), NewNotifier(b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- nb.Run(ctx) }()

	assert.False(t, nb.Wait(0))
	na.Notify()
	assert.True(t, nb.Wait(time.Second))

	mail := make(chan foundation.WireMessage, 1)
	nb.OnMailbox(func(w foundation.WireMessage) { mail <- w })
	require.NoError(t, na.Post(ctx, record(foundation.OpResume, 0)))
	select {
	case w := <-mail:
		assert.Equal(t, foundation.OpResume, w.Opcode.Type())
	case <-time.After(time.Second):
		t.Fatal("mail not delivered")
	}
	assert.Panics(t, func() { _ = na.Post(ctx, Kick) })

	require.NoError(t, na.Close())
	require.NoError(t, <-done)
	st := nb.Stats()
	assert.Equal(t, uint64(1), st.KicksReceived)
	assert.Equal(t, uint64(1), st.Mail)
	assert.Equal(t, uint64(1), na.Stats().KicksSent)
}

func TestEndpointsOverLink(t *testing.T) {
	layout, err := sab.NewLayout(8, 16*1024)
	require.NoError(t, err)
	mem := sab.NewInMemoryProvider(layout.TotalSize())
	require.NoError(t, layout.Initialize(mem))

	a, b := Pipe()
	na, nb := NewNotifier(a, nil), NewNotifier(b, nil)
	ap, err := foundation.NewAPEndpoint(mem, layout, 0x1000_0000, foundation.WithNotifiers(na, na))
	require.NoError(t, err)
	dsp, err := foundation.NewDSPEndpoint(mem, layout, 0x2000_0000, foundation.WithNotifiers(nb, nb))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = na.Run(ctx) }()
	go func() { _ = nb.Run(ctx) }()

	require.NoError(t, ap.Send(record(foundation.OpShmemInfo, 0)))
	require.True(t, dsp.Wait(time.Second))
	w, ok, err := dsp.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, foundation.OpShmemInfo, w.Opcode.Type())

	require.NoError(t, dsp.Send(w.WithStatus(foundation.StatusOK)))
	require.True(t, ap.Wait(time.Second))
	require.NoError(t, ap.Close())
}
