package foundation

import "fmt"

// Core identifies a processor in the 2-bit core field of a routing half.
type Core uint8

const (
	CoreAP  Core = 0
	CoreDSP Core = 1
)

func (c Core) String() string {
	switch c {
	case CoreAP:
		return "ap"
	case CoreDSP:
		return "dsp"
	}
	return fmt.Sprintf("core%d", uint8(c))
}

const (
	MaxClients = 64
	MaxPorts   = 16
)

// Half is one end of a route: core bits 0-1, client bits 2-7, port bits 8-11,
// proxy flag bit 15.
type Half uint16

const (
	halfCoreMask   = 0x3
	halfClientBits = 2
	halfClientMask = 0x3F
	halfPortBits   = 8
	halfPortMask   = 0xF
	halfProxyBit   = 1 << 15
)

// MakeHalf packs a routing half. Out of range fields are truncated.
func MakeHalf(core Core, client, port uint8, proxy bool) Half {
	h := Half(core)&halfCoreMask |
		Half(client&halfClientMask)<<halfClientBits |
		Half(port&halfPortMask)<<halfPortBits
	if proxy {
		h |= halfProxyBit
	}
	return h
}

// ProxyHalf addresses the administrative proxy of a core.
func ProxyHalf(core Core) Half {
	return MakeHalf(core, 0, 0, true)
}

func (h Half) Core() Core    { return Core(h & halfCoreMask) }
func (h Half) Client() uint8 { return uint8(h>>halfClientBits) & halfClientMask }
func (h Half) Port() uint8   { return uint8(h>>halfPortBits) & halfPortMask }
func (h Half) Proxy() bool   { return h&halfProxyBit != 0 }
func (h Half) WithPort(p uint8) Half {
	return h&^(halfPortMask<<halfPortBits) | Half(p&halfPortMask)<<halfPortBits
}

// WithClient keeps core, port and proxy flag.
func (h Half) WithClient(c uint8) Half {
	return h&^(halfClientMask<<halfClientBits) | Half(c&halfClientMask)<<halfClientBits
}

func (h Half) String() string {
	p := ""
	if h.Proxy() {
		p = "/proxy"
	}
	return fmt.Sprintf("%d:%d.%d%s", h.Core(), h.Client(), h.Port(), p)
}

// Session packs source and destination halves: src<<16 | dst.
type Session uint32

func MakeSession(src, dst Half) Session {
	return Session(uint32(src)<<16 | uint32(dst))
}

func (s Session) Src() Half { return Half(s >> 16) }
func (s Session) Dst() Half { return Half(s) }

// Swap exchanges source and destination, turning a request into its response route.
func (s Session) Swap() Session {
	return MakeSession(s.Dst(), s.Src())
}

func (s Session) String() string {
	return s.Src().String() + "->" + s.Dst().String()
}
