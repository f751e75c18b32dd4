package units

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/threads/port"
	"github.com/nmxmxh/dspaf/kernel/threads/supervisor"
)

// Unity gain in the Q8 format of ParamGain.
const UnityGain = 256

// mixer sums 16-bit little-endian PCM from inputs 0..k-1 into output k.
// Inputs that never received data are ignored.
type mixer struct {
	ins       []port.InputPort
	connected []bool
	out       output
	frame     uint32
	gain      uint32
	eosSent   bool
}

func newMixer(c *supervisor.Component, cfg Config) (*mixer, error) {
	if cfg.MixerInputs >= foundation.MaxPorts {
		return nil, fmt.Errorf("mixer: %d inputs leave no output port", cfg.MixerInputs)
	}
	x := &mixer{
		ins:       make([]port.InputPort, cfg.MixerInputs),
		connected: make([]bool, cfg.MixerInputs),
		frame:     cfg.FrameSize &^ 1,
		gain:      UnityGain,
	}
	for i := range x.ins {
		x.ins[i].Init(make([]byte, x.frame), c.Dispatcher())
	}
	x.out.Init(c.Port(x.output()), x.frame, c.Dispatcher())
	return x, nil
}

func (x *mixer) output() uint8 { return uint8(len(x.ins)) }

func (x *mixer) setParam(id, value uint32) error {
	if id != ParamGain {
		return fmt.Errorf("%w: %d", ErrUnknownParam, id)
	}
	if value > 4*UnityGain {
		return fmt.Errorf("%w: gain %d", ErrBadParam, value)
	}
	x.gain = value
	return nil
}

func (x *mixer) getParam(id uint32) (uint32, error) {
	switch id {
	case ParamGain:
		return x.gain, nil
	case ParamFrameSize:
		return x.frame, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownParam, id)
}

func (x *mixer) Entry(c *supervisor.Component, m *msg.Message) foundation.Status {
	if m == nil {
		x.step(c)
		return foundation.StatusOK
	}
	switch m.Type() {
	case foundation.OpSetParam:
		c.Respond(m, paramStatus(setParams(m.Payload(), x.setParam)))
		return foundation.StatusOK
	case foundation.OpGetParam:
		c.Respond(m, paramStatus(getParams(m.Payload(), x.getParam)))
		return foundation.StatusOK
	case foundation.OpStart:
		m.Length = 0
		c.Complete(m)
		return foundation.StatusOK
	}

	var work bool
	switch p := m.Dst().Port(); {
	case p < x.output():
		t := m.Type()
		if t == foundation.OpEmptyThisBuffer && !m.Truncated() {
			x.connected[p] = true
		}
		work = input(c, &x.ins[p], m)
		if t == foundation.OpFlush || t == foundation.OpUnroute {
			x.eosSent = false
		}
	case p == x.output():
		work = x.out.handle(c, m)
	default:
		c.Respond(m, foundation.StatusInvalid)
	}
	if work {
		c.Schedule(0)
	}
	return foundation.StatusOK
}

// step mixes one frame once every live input holds a full frame or has ended.
func (x *mixer) step(c *supervisor.Component) {
	if !x.out.Ready() {
		return
	}
	live := 0
	for i := range x.ins {
		in := &x.ins[i]
		if !x.connected[i] {
			continue
		}
		if !in.Fill() {
			return
		}
		if in.Done() && in.Filled() == 0 {
			continue
		}
		live++
	}
	if live == 0 {
		if x.anyConnected() && !x.eosSent {
			x.out.Produce(0)
			x.eosSent = true
		}
		return
	}

	dst := x.out.Data()
	if uint32(len(dst)) > x.frame {
		dst = dst[:x.frame]
	}
	n := 0
	acc := make([]int32, len(dst)/2)
	for i := range x.ins {
		in := &x.ins[i]
		if !x.connected[i] || in.Filled() == 0 {
			continue
		}
		data := in.Data()
		if len(data) > len(dst) {
			data = data[:len(dst)]
		}
		for s := 0; s+1 < len(data); s += 2 {
			acc[s/2] += int32(int16(binary.LittleEndian.Uint16(data[s:])))
		}
		if len(data) > n {
			n = len(data)
		}
		in.Consume(uint32(len(data)))
	}
	n &^= 1
	for s := 0; s < n/2; s++ {
		binary.LittleEndian.PutUint16(dst[2*s:], uint16(saturate(acc[s]*int32(x.gain)/UnityGain)))
	}
	x.out.Produce(uint32(n))
	c.Schedule(0)
}

func (x *mixer) anyConnected() bool {
	for _, ok := range x.connected {
		if ok {
			return true
		}
	}
	return false
}

func saturate(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func (x *mixer) Exit(c *supervisor.Component, m *msg.Message) supervisor.ExitStatus {
	var om *msg.Message
	switch {
	case m == nil:
		for i := range x.ins {
			x.ins[i].Purge()
		}
	case m.Dst().Port() < x.output():
		teardownInput(c, &x.ins[m.Dst().Port()], m)
	case m.Dst().Port() == x.output():
		om = m
	default:
		c.Respond(m, foundation.StatusGeneric)
	}
	if !x.out.teardown(c, om) {
		return supervisor.ExitPending
	}
	for i := range x.ins {
		if x.ins[i].Created() {
			x.ins[i].Destroy()
		}
	}
	return supervisor.ExitDone
}
