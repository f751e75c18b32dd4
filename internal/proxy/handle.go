package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/pool"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// ControlBufferSize is the shared buffer each handle keeps for command payloads.
const ControlBufferSize = 256

const workerIdle = 50 * time.Millisecond

// Callback receives records addressed to a client. It runs on the client's
// worker goroutine and must not block.
type Callback func(h *Handle, w foundation.WireMessage)

// Handle is an open client: an AP routing id bound to one DSP component.
type Handle struct {
	p    *Proxy
	id   uint8
	key  pool.Key
	half foundation.Half
	comp foundation.Half
	typ  string
	cb   Callback
	ctrl Buffer

	// events has one writer, the drainer, and one reader, the worker.
	events  lfq.SPSC[foundation.WireMessage]
	slot    foundation.WireMessage
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
	pending atomic.Int64
	handled atomic.Uint64
}

func (h *Handle) Type() string { return h.typ }

// Half is the AP routing id of the client.
func (h *Handle) Half() foundation.Half { return h.half }

// Component is the DSP routing id of the component's port 0.
func (h *Handle) Component() foundation.Half { return h.comp }

// Port addresses port n of the component.
func (h *Handle) Port(n uint8) foundation.Half { return h.comp.WithPort(n) }

// Pending is the number of completions queued for the callback.
func (h *Handle) Pending() int { return int(h.pending.Load()) }

// Handled is the number of completions delivered to the callback.
func (h *Handle) Handled() uint64 { return h.handled.Load() }

// Open registers a component of type typ on the DSP. cb receives every
// record the DSP sends to the client.
func (p *Proxy) Open(ctx context.Context, typ string, cb Callback) (*Handle, error) {
	if p.g == nil {
		return nil, ErrNotStarted
	}
	if cb == nil {
		cb = func(*Handle, foundation.WireMessage) {}
	}
	h := &Handle{
		p:      p,
		typ:    typ,
		cb:     cb,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.events.Init(p.cfg.CompletionDepth)

	p.mu.Lock()
	id, key, err := p.clients.Acquire(h)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoClients, err)
	}
	h.id, h.key = id, key
	h.half = foundation.MakeHalf(foundation.CoreAP, id, 0, false)

	fail := func(err error) (*Handle, error) {
		p.release(h)
		return nil, err
	}
	if h.ctrl, err = p.Alloc(ctx, ControlBufferSize); err != nil {
		return fail(err)
	}
	rsp, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		n, err := foundation.EncodeTypeName(h.ctrl.Data, typ)
		if err != nil {
			return foundation.WireMessage{}, err
		}
		return p.request(h.half, foundation.ProxyHalf(foundation.CoreDSP), foundation.OpRegister, &h.ctrl, n)
	}, nil)
	if err != nil {
		_ = p.Free(ctx, h.ctrl)
		return fail(fmt.Errorf("proxy: open %q: %w", typ, err))
	}
	h.comp = rsp.Src()
	p.g.Go(func() error { return h.run(p.ctx) })
	p.logger.Debug("client opened",
		utils.String("type", typ),
		utils.String("client", h.half.String()),
		utils.String("component", h.comp.String()))
	return h, nil
}

// Close unregisters the component, waiting for its teardown to finish, then
// releases the client.
func (h *Handle) Close(ctx context.Context) error {
	p := h.p
	dst := foundation.MakeHalf(foundation.CoreDSP, h.comp.Client(), 0, true)
	_, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		return p.request(h.half, dst, foundation.OpUnregister, nil, 0)
	}, nil)
	if err != nil {
		return fmt.Errorf("proxy: close %s: %w", h.comp, err)
	}
	ferr := p.Free(ctx, h.ctrl)
	p.release(h)
	p.logger.Debug("client closed", utils.String("component", h.comp.String()))
	return ferr
}

func (p *Proxy) release(h *Handle) {
	h.stop()
	p.mu.Lock()
	err := p.clients.Release(h.key)
	p.mu.Unlock()
	utils.Bugcheck(err == nil, "client %d released twice: %v", h.id, err)
}

func (h *Handle) stop() {
	h.once.Do(func() { close(h.done) })
}

// deliver queues w for the worker. It runs on the drainer, the only writer.
func (h *Handle) deliver(w foundation.WireMessage) {
	var bo iox.Backoff
	h.slot = w
	for {
		err := h.events.Enqueue(&h.slot)
		if err == nil {
			break
		}
		if !errors.Is(err, iox.ErrWouldBlock) {
			h.p.logger.Error("completion queue failed", utils.Err(err))
			return
		}
		select {
		case <-h.done:
			h.p.dropped.Add(1)
			return
		default:
		}
		bo.Wait()
	}
	h.pending.Add(1)
	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// run feeds queued completions to the callback.
func (h *Handle) run(ctx context.Context) error {
	idle := h.p.cfg.Clock.Ticker(workerIdle)
	defer idle.Stop()
	for {
		w, err := h.events.Dequeue()
		if err == nil {
			h.pending.Add(-1)
			h.handled.Add(1)
			h.p.callbacks.Add(1)
			h.cb(h, w)
			continue
		}
		select {
		case <-h.signal:
		case <-idle.C:
		case <-h.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// request builds a record from src to dst, optionally carrying buf.
func (p *Proxy) request(src, dst foundation.Half, op foundation.OpcodeType, buf *Buffer, length uint32) (foundation.WireMessage, error) {
	w := foundation.WireMessage{
		Session: foundation.MakeSession(src, dst),
		Opcode:  foundation.Command(op),
		Length:  length,
		Address: sab.NullOffset,
	}
	if buf == nil {
		return w, nil
	}
	off, err := p.describe(*buf, length)
	if err != nil {
		return w, err
	}
	w.Address = off
	return w, nil
}
