package units

import (
	"encoding/binary"
	"errors"

	"github.com/nmxmxh/dspaf/kernel/threads/arena"
	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/threads/port"
	"github.com/nmxmxh/dspaf/kernel/threads/supervisor"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// input handles a message addressed to an input port. It reports whether the
// component has new work.
func input(c *supervisor.Component, in *port.InputPort, m *msg.Message) bool {
	switch m.Type() {
	case foundation.OpEmptyThisBuffer:
		if m.Truncated() {
			c.Logger().Warn("data message without its buffer",
				utils.String("src", m.Src().String()), utils.Uint32("length", m.Length))
			c.Respond(m, foundation.StatusInvalid)
			return false
		}
		in.Put(m)
		return true
	case foundation.OpFlush, foundation.OpUnroute:
		in.Purge()
		c.Complete(m)
		return true
	}
	c.Respond(m, foundation.StatusInvalid)
	return false
}

// output is an output port plus the AP flush request waiting on it.
type output struct {
	port.OutputPort
	flushReq *msg.Message
}

// handle processes a message addressed to the output port. It reports whether
// the component may resume producing.
func (o *output) handle(c *supervisor.Component, m *msg.Message) bool {
	if o.IsControl(m) {
		o.controlReturned(c)
		return true
	}
	switch m.Type() {
	case foundation.OpEmptyThisBuffer, foundation.OpFillThisBuffer:
		if o.Routed() && !o.Owns(m) {
			c.Logger().Warn("buffer for routed port from outside the route",
				utils.String("port", o.Self().String()), utils.String("src", m.Src().String()))
			c.Respond(m, foundation.StatusGeneric)
			return false
		}
		o.Put(m)
		return true
	case foundation.OpRoute:
		o.route(c, m)
		return true
	case foundation.OpUnroute:
		o.unroute(c, m)
	case foundation.OpFlush:
		o.flush(c, m)
	default:
		c.Respond(m, foundation.StatusInvalid)
	}
	return false
}

func (o *output) controlReturned(c *supervisor.Component) {
	if req := o.flushReq; req != nil {
		o.flushReq = nil
		c.Complete(req)
	}
	if o.Unrouting() {
		o.UnrouteDone()
		c.Logger().Debug("deferred unroute completed", utils.String("port", o.Self().String()))
		return
	}
	o.FlushDone()
}

func (o *output) route(c *supervisor.Component, m *msg.Message) {
	req, err := foundation.DecodeRouteRequest(m.Payload())
	if err != nil {
		c.Respond(m, foundation.StatusInvalid)
		return
	}
	err = o.Route(req.Dst, int(req.Count), req.Length, req.Align, c.Allocator())
	if err != nil {
		c.Logger().Warn("route failed", utils.String("dst", req.Dst.String()), utils.Err(err))
	} else {
		c.Logger().Debug("port routed",
			utils.String("src", o.Self().String()),
			utils.String("dst", req.Dst.String()),
			utils.Uint32("buffers", req.Count))
	}
	c.Respond(m, routeStatus(err))
}

func routeStatus(err error) foundation.Status {
	switch {
	case err == nil:
		return foundation.StatusOK
	case errors.Is(err, port.ErrAlreadyRouted):
		return foundation.StatusBusy
	case errors.Is(err, arena.ErrNoSpace):
		return foundation.StatusNoMemory
	}
	return foundation.StatusInvalid
}

// unroute releases the route now if the port is quiet, otherwise once the
// control message returns.
func (o *output) unroute(c *supervisor.Component, m *msg.Message) {
	switch {
	case !o.Routed():
		c.Respond(m, foundation.StatusInvalid)
	case o.Unrouting():
		c.Respond(m, foundation.StatusBusy)
	case o.Flushing():
		o.UnrouteStart(m)
	case o.Flush(foundation.OpUnroute):
		o.Unroute()
		c.Complete(m)
	default:
		o.UnrouteStart(m)
	}
}

func (o *output) flush(c *supervisor.Component, m *msg.Message) {
	switch {
	case o.Flushing() || o.flushReq != nil:
		c.Respond(m, foundation.StatusBusy)
	case o.Flush(foundation.OpFlush):
		c.Complete(m)
	default:
		o.flushReq = m
	}
}

// teardown drives the port to destruction during exit. m is a message that
// arrived for the port after exit started, or nil. It reports whether the
// port has been destroyed.
func (o *output) teardown(c *supervisor.Component, m *msg.Message) bool {
	if !o.Created() {
		return true
	}
	if m != nil {
		switch {
		case o.IsControl(m):
			o.controlReturned(c)
		case o.Owns(m) && m.Type() == foundation.OpEmptyThisBuffer:
			o.Put(m)
		default:
			c.Respond(m, foundation.StatusGeneric)
		}
	}
	if o.Flushing() {
		return false
	}
	if o.Routed() {
		if !o.Flush(foundation.OpUnroute) {
			return false
		}
		o.Unroute()
	}
	o.Destroy()
	return true
}

// setParams applies (id, value) pairs from a SET_PARAM payload.
func setParams(b []byte, set func(id, value uint32) error) error {
	if len(b)%8 != 0 {
		return errBadPayload
	}
	for i := 0; i+8 <= len(b); i += 8 {
		if err := set(binary.LittleEndian.Uint32(b[i:]), binary.LittleEndian.Uint32(b[i+4:])); err != nil {
			return err
		}
	}
	return nil
}

// getParams replaces each id of a GET_PARAM payload with its value.
func getParams(b []byte, get func(id uint32) (uint32, error)) error {
	if len(b)%4 != 0 {
		return errBadPayload
	}
	for i := 0; i+4 <= len(b); i += 4 {
		v, err := get(binary.LittleEndian.Uint32(b[i:]))
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(b[i:], v)
	}
	return nil
}

var errBadPayload = errors.New("units: malformed parameter payload")

func paramStatus(err error) foundation.Status {
	switch {
	case err == nil:
		return foundation.StatusOK
	case errors.Is(err, ErrUnknownParam), errors.Is(err, ErrBadParam), errors.Is(err, errBadPayload):
		return foundation.StatusInvalid
	}
	return foundation.StatusGeneric
}

// EncodeParams builds a SET_PARAM payload.
func EncodeParams(b []byte, kv ...uint32) uint32 {
	utils.Bugcheck(len(kv)%2 == 0, "parameter list needs id/value pairs")
	for i, v := range kv {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return uint32(4 * len(kv))
}

// teardownInput answers a message that reached an input port during exit.
func teardownInput(c *supervisor.Component, in *port.InputPort, m *msg.Message) {
	switch m.Type() {
	case foundation.OpFlush, foundation.OpUnroute:
		in.Purge()
		c.Complete(m)
	default:
		m.Length = 0
		c.Complete(m)
	}
}
