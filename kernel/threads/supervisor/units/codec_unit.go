package units

import (
	"fmt"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/threads/port"
	"github.com/nmxmxh/dspaf/kernel/threads/supervisor"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// Codec unit ports.
const (
	CodecInput  uint8 = 0
	CodecOutput uint8 = 1
)

// codecUnit feeds its input through a Codec into its output.
type codecUnit struct {
	codec   Codec
	loader  LibraryLoader
	lib     string
	in      port.InputPort
	out     output
	started bool
	eosSent bool
}

func newCodecUnit(c *supervisor.Component, cfg Config) (*codecUnit, error) {
	u := &codecUnit{codec: NewPCMCodec(), loader: cfg.Loader}
	var buf []byte
	if cfg.Buffered {
		buf = make([]byte, cfg.FrameSize)
	}
	u.in.Init(buf, c.Dispatcher())
	u.out.Init(c.Port(CodecOutput), cfg.FrameSize, c.Dispatcher())
	return u, nil
}

func (u *codecUnit) Entry(c *supervisor.Component, m *msg.Message) foundation.Status {
	if m == nil {
		return u.step(c)
	}
	switch m.Type() {
	case foundation.OpSetParam:
		c.Respond(m, paramStatus(setParams(m.Payload(), u.codec.SetParam)))
		return foundation.StatusOK
	case foundation.OpGetParam:
		c.Respond(m, paramStatus(getParams(m.Payload(), u.codec.GetParam)))
		return foundation.StatusOK
	case foundation.OpStart:
		u.start(c, m)
		return foundation.StatusOK
	case foundation.OpLoadLib, foundation.OpUnloadLib:
		u.library(c, m)
		return foundation.StatusOK
	}

	var work bool
	switch t := m.Type(); m.Dst().Port() {
	case CodecInput:
		work = input(c, &u.in, m)
		if t == foundation.OpFlush || t == foundation.OpUnroute {
			u.eosSent = false
			u.codec.Reset()
		}
	case CodecOutput:
		work = u.out.handle(c, m)
	default:
		c.Respond(m, foundation.StatusInvalid)
	}
	if work {
		c.Schedule(0)
	}
	return foundation.StatusOK
}

func (u *codecUnit) start(c *supervisor.Component, m *msg.Message) {
	if err := u.codec.Init(); err != nil {
		c.Logger().Warn("codec init failed", utils.String("codec", u.codec.Name()), utils.Err(err))
		c.Respond(m, foundation.StatusGeneric)
		return
	}
	u.started = true
	m.Length = 0
	c.Complete(m)
	c.Schedule(0)
}

func (u *codecUnit) library(c *supervisor.Component, m *msg.Message) {
	if u.loader == nil {
		c.Respond(m, foundation.StatusNotSupported)
		return
	}
	name, err := foundation.DecodeTypeName(m.Payload())
	if err != nil {
		c.Respond(m, foundation.StatusInvalid)
		return
	}
	if m.Type() == foundation.OpUnloadLib {
		if name != u.lib {
			c.Respond(m, foundation.StatusNoEntry)
			return
		}
		if err := u.loader.Unload(name); err != nil {
			c.Respond(m, foundation.StatusGeneric)
			return
		}
		u.codec, u.lib, u.started = NewPCMCodec(), "", false
		c.Complete(m)
		return
	}
	if u.started {
		c.Respond(m, foundation.StatusBusy)
		return
	}
	codec, err := u.loader.Load(name)
	if err != nil {
		c.Logger().Warn("library load failed", utils.String("lib", name), utils.Err(err))
		c.Respond(m, foundation.StatusNoEntry)
		return
	}
	u.codec, u.lib = codec, name
	c.Complete(m)
}

// step converts at most one frame and reschedules while progress is possible.
func (u *codecUnit) step(c *supervisor.Component) foundation.Status {
	if !u.started || !u.out.Ready() {
		return foundation.StatusOK
	}
	if u.in.Done() {
		if !u.eosSent {
			u.out.Produce(0)
			u.eosSent = true
			c.Logger().Debug("end of stream forwarded")
		}
		return foundation.StatusOK
	}
	if !u.in.Fill() {
		return foundation.StatusOK
	}
	data := u.in.Data()
	if len(data) == 0 {
		if u.in.Bypass() && u.in.EOSSeen() {
			u.in.Consume(0)
		}
		c.Schedule(0)
		return foundation.StatusOK
	}
	consumed, produced, err := u.codec.Process(data, u.out.Data(), u.in.EOSSeen() || u.in.Done())
	if err != nil {
		c.Logger().Error("codec failed", utils.String("codec", u.codec.Name()), utils.Err(err))
		return foundation.StatusGeneric
	}
	u.in.Consume(uint32(consumed))
	if produced > 0 {
		u.out.Produce(uint32(produced))
	}
	if consumed > 0 || produced > 0 {
		c.Schedule(0)
	}
	return foundation.StatusOK
}

func (u *codecUnit) Exit(c *supervisor.Component, m *msg.Message) supervisor.ExitStatus {
	var om *msg.Message
	switch {
	case m == nil:
		u.in.Purge()
	case m.Dst().Port() == CodecInput:
		teardownInput(c, &u.in, m)
	case m.Dst().Port() == CodecOutput:
		om = m
	default:
		c.Respond(m, foundation.StatusGeneric)
	}
	if !u.out.teardown(c, om) {
		return supervisor.ExitPending
	}
	if u.in.Created() {
		u.in.Destroy()
	}
	if u.lib != "" {
		_ = u.loader.Unload(u.lib)
	}
	return supervisor.ExitDone
}

func (u *codecUnit) String() string {
	return fmt.Sprintf("codec(%s)", u.codec.Name())
}
