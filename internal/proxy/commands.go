package proxy

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// Param is one SET_PARAM entry.
type Param struct {
	ID    uint32
	Value uint32
}

func (p *Proxy) dspProxy() foundation.Half { return foundation.ProxyHalf(foundation.CoreDSP) }

// target addresses the proxy of the DSP on behalf of component h.
func target(h *Handle) foundation.Half {
	return foundation.MakeHalf(foundation.CoreDSP, h.comp.Client(), 0, true)
}

// Route connects output port srcPort of src to input port dstPort of dst
// with n buffers of length bytes.
func (p *Proxy) Route(ctx context.Context, src *Handle, srcPort uint8, dst *Handle, dstPort uint8, n, length, align uint32) error {
	_, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		foundation.RouteRequest{Dst: dst.Port(dstPort), Count: n, Length: length, Align: align}.Encode(src.ctrl.Data)
		return p.request(p.self, src.Port(srcPort), foundation.OpRoute, &src.ctrl, foundation.ROUTE_PAYLOAD_SIZE)
	}, nil)
	if err != nil {
		return fmt.Errorf("proxy: route %s -> %s: %w", src.Port(srcPort), dst.Port(dstPort), err)
	}
	return nil
}

// Unroute releases the route on output port srcPort of src. It returns once
// every buffer has come back.
func (p *Proxy) Unroute(ctx context.Context, src *Handle, srcPort uint8) error {
	_, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		return p.request(p.self, src.Port(srcPort), foundation.OpUnroute, nil, 0)
	}, nil)
	if err != nil {
		return fmt.Errorf("proxy: unroute %s: %w", src.Port(srcPort), err)
	}
	return nil
}

// Command sends op to port of h without waiting. The response reaches the
// handle's callback. buf may be nil.
func (p *Proxy) Command(h *Handle, port uint8, op foundation.OpcodeType, buf *Buffer, length uint32) error {
	if p.g == nil {
		return ErrNotStarted
	}
	if p.closed.Load() {
		return ErrClosed
	}
	w, err := p.request(h.half, h.Port(port), op, buf, length)
	if err != nil {
		return err
	}
	if err := p.transmit(p.ctx, w, p.cfg.Clock.Now().Add(p.cfg.Timeout)); err != nil {
		return fmt.Errorf("proxy: %s to %s: %w", op, h.Port(port), err)
	}
	p.commands.Add(1)
	return nil
}

// Exec sends op to port of h and waits for the response.
func (p *Proxy) Exec(ctx context.Context, h *Handle, port uint8, op foundation.OpcodeType) (foundation.WireMessage, error) {
	return p.execute(ctx, func() (foundation.WireMessage, error) {
		return p.request(p.self, h.Port(port), op, nil, 0)
	}, nil)
}

// StartComponent sends START to h. A codec processes nothing before it.
func (p *Proxy) StartComponent(ctx context.Context, h *Handle) error {
	if _, err := p.Exec(ctx, h, 0, foundation.OpStart); err != nil {
		return fmt.Errorf("proxy: start %s: %w", h.comp, err)
	}
	return nil
}

func (p *Proxy) SetParams(ctx context.Context, h *Handle, params ...Param) error {
	if 8*len(params) > ControlBufferSize {
		return fmt.Errorf("%w: %d parameters", ErrBadDescriptor, len(params))
	}
	_, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		for i, kv := range params {
			binary.LittleEndian.PutUint32(h.ctrl.Data[8*i:], kv.ID)
			binary.LittleEndian.PutUint32(h.ctrl.Data[8*i+4:], kv.Value)
		}
		return p.request(p.self, h.comp, foundation.OpSetParam, &h.ctrl, uint32(8*len(params)))
	}, nil)
	return err
}

// GetParams returns the values of ids in order.
func (p *Proxy) GetParams(ctx context.Context, h *Handle, ids ...uint32) ([]uint32, error) {
	if 4*len(ids) > ControlBufferSize {
		return nil, fmt.Errorf("%w: %d parameters", ErrBadDescriptor, len(ids))
	}
	n := uint32(4 * len(ids))
	_, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		for i, id := range ids {
			binary.LittleEndian.PutUint32(h.ctrl.Data[4*i:], id)
		}
		return p.request(p.self, h.comp, foundation.OpGetParam, &h.ctrl, n)
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := p.ep.Translator().Invalidate(h.ctrl.Addr, n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	out := make([]uint32, len(ids))
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(h.ctrl.Data[4*i:])
	}
	return out, nil
}

func (p *Proxy) LoadLibrary(ctx context.Context, h *Handle, name string) error {
	return p.library(ctx, h, foundation.OpLoadLib, name)
}

func (p *Proxy) UnloadLibrary(ctx context.Context, h *Handle, name string) error {
	return p.library(ctx, h, foundation.OpUnloadLib, name)
}

func (p *Proxy) library(ctx context.Context, h *Handle, op foundation.OpcodeType, name string) error {
	_, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		n, err := foundation.EncodeTypeName(h.ctrl.Data, name)
		if err != nil {
			return foundation.WireMessage{}, err
		}
		return p.request(p.self, h.comp, op, &h.ctrl, n)
	}, nil)
	if err != nil {
		return fmt.Errorf("proxy: %s %q: %w", op, name, err)
	}
	return nil
}

// Suspend asks the DSP to quiesce. Its rings are invalid once the response
// has been read.
func (p *Proxy) Suspend(ctx context.Context) error {
	_, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		return p.request(p.self, p.dspProxy(), foundation.OpSuspend, nil, 0)
	}, nil)
	return err
}

// Resume wakes a suspended DSP. The request travels through the mailbox
// because the DSP is not reading its rings.
func (p *Proxy) Resume(ctx context.Context) error {
	_, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		return p.request(p.self, p.dspProxy(), foundation.OpResume, nil, 0)
	}, p.mailbox)
	if err == nil {
		p.logger.Info("dsp resumed")
	}
	return err
}

func (p *Proxy) Pause(ctx context.Context, h *Handle) error {
	_, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		return p.request(p.self, target(h), foundation.OpPause, nil, 0)
	}, nil)
	return err
}

func (p *Proxy) PauseRelease(ctx context.Context, h *Handle) error {
	_, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		return p.request(p.self, target(h), foundation.OpPauseRelease, nil, 0)
	}, nil)
	return err
}

// ShmemInfo reports the state of the DSP scratch arena.
func (p *Proxy) ShmemInfo(ctx context.Context) (foundation.ShmemInfo, error) {
	buf, err := p.Alloc(ctx, foundation.SHMEM_INFO_SIZE)
	if err != nil {
		return foundation.ShmemInfo{}, err
	}
	defer func() {
		if ferr := p.Free(ctx, buf); ferr != nil {
			p.logger.Warn("shmem info buffer leaked", utils.Err(ferr))
		}
	}()
	_, err = p.execute(ctx, func() (foundation.WireMessage, error) {
		return p.request(p.self, p.dspProxy(), foundation.OpShmemInfo, &buf, foundation.SHMEM_INFO_SIZE)
	}, nil)
	if err != nil {
		return foundation.ShmemInfo{}, err
	}
	if err := p.ep.Translator().Invalidate(buf.Addr, foundation.SHMEM_INFO_SIZE); err != nil {
		return foundation.ShmemInfo{}, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	return foundation.DecodeShmemInfo(buf.Data)
}
