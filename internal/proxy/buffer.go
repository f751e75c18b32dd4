package proxy

import (
	"context"
	"fmt"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

// Buffer is a shared buffer as seen from the AP.
type Buffer struct {
	Addr   sab.Addr
	Offset uint32
	Data   []byte
}

func (b Buffer) Size() uint32 { return uint32(len(b.Data)) }

// describe translates b for the wire and writes back its first n bytes.
func (p *Proxy) describe(b Buffer, n uint32) (uint32, error) {
	tr := p.ep.Translator()
	if b.Addr == 0 {
		return sab.NullOffset, nil
	}
	off := tr.ToShared(b.Addr)
	if off == tr.BadOffset() || !tr.Contains(b.Addr, b.Size()) {
		return 0, fmt.Errorf("%w: %#x is outside the shared pool", ErrBadDescriptor, uint32(b.Addr))
	}
	if n > b.Size() {
		return 0, fmt.Errorf("%w: length %d exceeds %d byte buffer", ErrBadDescriptor, n, b.Size())
	}
	if n > 0 {
		if err := tr.Writeback(b.Addr, n); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
		}
	}
	return off, nil
}

// view maps a shared offset returned by the DSP.
func (p *Proxy) view(off, n uint32) (Buffer, error) {
	tr := p.ep.Translator()
	addr, err := tr.ToLocal(off)
	if err != nil || addr == 0 {
		return Buffer{}, fmt.Errorf("%w: offset %#x", ErrBadDescriptor, off)
	}
	if err := tr.Invalidate(addr, n); err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	data, err := tr.Slice(addr, n)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	return Buffer{Addr: addr, Offset: off, Data: data}, nil
}

// Alloc reserves size bytes of shared memory on the DSP.
func (p *Proxy) Alloc(ctx context.Context, size uint32) (Buffer, error) {
	rsp, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		return p.request(p.self, foundation.ProxyHalf(foundation.CoreDSP), foundation.OpAlloc, nil, size)
	}, nil)
	if err != nil {
		return Buffer{}, fmt.Errorf("proxy: alloc %d: %w", size, err)
	}
	return p.view(rsp.Address, size)
}

func (p *Proxy) Free(ctx context.Context, b Buffer) error {
	_, err := p.execute(ctx, func() (foundation.WireMessage, error) {
		off, err := p.describe(b, 0)
		if err != nil {
			return foundation.WireMessage{}, err
		}
		w, _ := p.request(p.self, foundation.ProxyHalf(foundation.CoreDSP), foundation.OpFree, nil, 0)
		w.Address = off
		return w, nil
	}, nil)
	if err != nil {
		return fmt.Errorf("proxy: free %#x: %w", b.Offset, err)
	}
	return nil
}
