package testutil

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
	"github.com/nmxmxh/dspaf/kernel/threads/supervisor"
)

// Local bases at which each side maps the shared pool.
const (
	APBase  sab.Addr = 0x1000_0000
	DSPBase sab.Addr = 0x2000_0000
)

// RigBuilder configures a Rig.
type RigBuilder struct {
	capacity uint32
	poolSize uint32
	messages int
	clients  int
	factory  *supervisor.Factory
}

// NewRigBuilder starts from a 16-slot ring and a 256 KiB pool.
func NewRigBuilder(factory *supervisor.Factory) *RigBuilder {
	return &RigBuilder{capacity: 16, poolSize: 256 * 1024, messages: 64, clients: 8, factory: factory}
}

func (b *RigBuilder) WithRing(capacity uint32) *RigBuilder {
	b.capacity = capacity
	return b
}

func (b *RigBuilder) WithPool(size uint32) *RigBuilder {
	b.poolSize = size
	return b
}

func (b *RigBuilder) WithMessages(n int) *RigBuilder {
	b.messages = n
	return b
}

func (b *RigBuilder) WithClients(n int) *RigBuilder {
	b.clients = n
	return b
}

// Build lays out the shared memory and starts a supervisor on a mock clock.
func (b *RigBuilder) Build(t testing.TB) *Rig {
	t.Helper()
	layout, err := sab.NewLayout(b.capacity, b.poolSize)
	require.NoError(t, err)
	mem := sab.NewInMemoryProvider(layout.TotalSize())
	require.NoError(t, layout.Initialize(mem))
	ap, dsp, err := foundation.NewEndpointPair(mem, layout, APBase, DSPBase)
	require.NoError(t, err)

	clk := clock.NewMock()
	sup, err := supervisor.New(dsp, b.factory, supervisor.Config{
		Messages: b.messages,
		Clients:  b.clients,
		Clock:    clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close() })

	return &Rig{
		T:      t,
		Mem:    mem,
		Layout: layout,
		AP:     ap,
		Sup:    sup,
		Clock:  clk,
		Client: foundation.MakeHalf(foundation.CoreAP, 1, 0, false),
	}
}

// Rig is an AP/DSP pair over one in-memory region. The test goroutine plays
// the AP and drives the DSP by polling its supervisor.
type Rig struct {
	T      testing.TB
	Mem    *sab.InMemoryProvider
	Layout sab.Layout
	AP     *foundation.Endpoint
	Sup    *supervisor.Supervisor
	Clock  *clock.Mock
	// Client is the AP half used as the source of every request.
	Client foundation.Half
}

// Settle polls the supervisor until a pass makes no progress.
func (r *Rig) Settle() {
	for i := 0; i < 10000 && r.Sup.Poll(); i++ {
	}
}

func (r *Rig) Send(w foundation.WireMessage) {
	r.T.Helper()
	require.NoError(r.T, r.AP.Send(w))
}

// TryRecv returns the next record from the DSP, if any.
func (r *Rig) TryRecv() (foundation.WireMessage, bool) {
	r.T.Helper()
	w, ok, err := r.AP.Receive()
	require.NoError(r.T, err)
	return w, ok
}

func (r *Rig) Recv() foundation.WireMessage {
	r.T.Helper()
	w, ok := r.TryRecv()
	require.True(r.T, ok, "no record from the DSP")
	return w
}

// Call sends w, settles and returns the first record that comes back.
func (r *Rig) Call(w foundation.WireMessage) foundation.WireMessage {
	r.T.Helper()
	r.Send(w)
	r.Settle()
	return r.Recv()
}

// Admin builds a request for the DSP proxy.
func (r *Rig) Admin(t foundation.OpcodeType, length, addr uint32) foundation.WireMessage {
	return foundation.WireMessage{
		Session: foundation.MakeSession(r.Client, foundation.ProxyHalf(foundation.CoreDSP)),
		Opcode:  foundation.Command(t),
		Length:  length,
		Address: addr,
	}
}

// Message builds a request for a component port.
func (r *Rig) Message(t foundation.OpcodeType, dst foundation.Half, addr, length uint32) foundation.WireMessage {
	return foundation.WireMessage{
		Session: foundation.MakeSession(r.Client, dst),
		Opcode:  foundation.Command(t),
		Length:  length,
		Address: addr,
	}
}

// Alloc reserves a shared buffer and returns its offset and AP view.
func (r *Rig) Alloc(size uint32) (uint32, []byte) {
	r.T.Helper()
	rsp := r.Call(r.Admin(foundation.OpAlloc, size, sab.NullOffset))
	require.Equal(r.T, foundation.StatusOK, rsp.Status())
	return rsp.Address, r.View(rsp.Address, size)
}

// View maps a shared offset on the AP side.
func (r *Rig) View(off, n uint32) []byte {
	r.T.Helper()
	addr, err := r.AP.Translator().ToLocal(off)
	require.NoError(r.T, err)
	b, err := r.AP.Translator().Slice(addr, n)
	require.NoError(r.T, err)
	return b
}

// Register creates a component and returns its port 0 half.
func (r *Rig) Register(name string) foundation.Half {
	r.T.Helper()
	off, buf := r.Alloc(32)
	n, err := foundation.EncodeTypeName(buf, name)
	require.NoError(r.T, err)
	rsp := r.Call(r.Admin(foundation.OpRegister, n, off))
	require.Equal(r.T, foundation.StatusOK, rsp.Status(), "register %s", name)
	return rsp.Src()
}

// Unregister asks the DSP to tear down c.
func (r *Rig) Unregister(c foundation.Half) foundation.WireMessage {
	w := r.Admin(foundation.OpUnregister, 0, sab.NullOffset)
	w.Session = foundation.MakeSession(r.Client, foundation.MakeHalf(foundation.CoreDSP, c.Client(), 0, true))
	return w
}

// Route connects src to dst with n buffers of length bytes.
func (r *Rig) Route(src, dst foundation.Half, n, length, align uint32) foundation.Status {
	r.T.Helper()
	off, buf := r.Alloc(foundation.ROUTE_PAYLOAD_SIZE)
	foundation.RouteRequest{Dst: dst, Count: n, Length: length, Align: align}.Encode(buf)
	return r.Call(r.Message(foundation.OpRoute, src, off, foundation.ROUTE_PAYLOAD_SIZE)).Status()
}
