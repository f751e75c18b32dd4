package units

import (
	"io"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/threads/port"
	"github.com/nmxmxh/dspaf/kernel/threads/supervisor"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

const RendererInput uint8 = 0

// renderer consumes its input in place and writes every frame to a sink. The
// owner gets OUTPUT_EOS once the end-of-stream marker is consumed.
type renderer struct {
	in        port.InputPort
	sink      io.Writer
	rendered  uint64
	notified  bool
	suspended bool
}

func newRenderer(c *supervisor.Component, cfg Config) *renderer {
	r := &renderer{sink: cfg.Sink}
	r.in.Init(nil, c.Dispatcher())
	return r
}

func (r *renderer) Entry(c *supervisor.Component, m *msg.Message) foundation.Status {
	if m == nil {
		r.step(c)
		return foundation.StatusOK
	}
	switch {
	case m.Type() == foundation.OpStart:
		m.Length = 0
		c.Complete(m)
	case m.Dst().Port() == RendererInput:
		if m.Type() == foundation.OpFlush || m.Type() == foundation.OpUnroute {
			r.notified = false
		}
		if input(c, &r.in, m) {
			c.Schedule(0)
		}
	default:
		c.Respond(m, foundation.StatusNotSupported)
	}
	return foundation.StatusOK
}

func (r *renderer) step(c *supervisor.Component) {
	if r.suspended || !r.in.Fill() {
		return
	}
	data := r.in.Data()
	if len(data) == 0 {
		if r.in.EOSSeen() {
			r.in.Consume(0)
		}
		if r.in.Done() && !r.notified {
			r.notified = true
			if err := c.Notify(RendererInput, foundation.OpOutputEOS, foundation.StatusOK); err != nil {
				c.Logger().Warn("end of stream notification dropped", utils.Err(err))
			}
			c.Logger().Debug("end of stream rendered", utils.Uint64("bytes", r.rendered))
		}
		return
	}
	if _, err := r.sink.Write(data); err != nil {
		c.Logger().Warn("sink write failed", utils.Err(err))
	}
	r.rendered += uint64(len(data))
	r.in.Consume(uint32(len(data)))
	c.Schedule(0)
}

func (r *renderer) Suspend(*supervisor.Component) { r.suspended = true }

func (r *renderer) Resume(c *supervisor.Component) {
	r.suspended = false
	c.Schedule(0)
}

func (r *renderer) Exit(c *supervisor.Component, m *msg.Message) supervisor.ExitStatus {
	if m != nil {
		teardownInput(c, &r.in, m)
	}
	r.in.Purge()
	r.in.Destroy()
	return supervisor.ExitDone
}
