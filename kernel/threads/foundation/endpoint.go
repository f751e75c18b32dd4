package foundation

import (
	"time"

	"go.uber.org/multierr"

	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

// Endpoint is one side's view of the transport: the ring it produces, the ring it
// consumes, the pool translator and the notifiers in both directions.
type Endpoint struct {
	owner      sab.RegionOwner
	layout     sab.Layout
	tx         *Ring
	rx         *Ring
	translator *sab.Translator
	kick       Notifier
	wake       Notifier
}

type EndpointOption func(*Endpoint)

// WithNotifiers replaces the shared-memory doorbells. kick wakes the peer, wake is
// signalled by the peer.
func WithNotifiers(kick, wake Notifier) EndpointOption {
	return func(e *Endpoint) {
		if kick != nil {
			e.kick = kick
		}
		if wake != nil {
			e.wake = wake
		}
	}
}

// NewEndpoint attaches owner to the shared memory described by layout, mapping the pool at base.
func NewEndpoint(mem sab.MemoryProvider, layout sab.Layout, owner sab.RegionOwner, base sab.Addr, opts ...EndpointOption) (*Endpoint, error) {
	txRegion, rxRegion := sab.RegionCommandRing, sab.RegionResponseRing
	kickOff, wakeOff := uint32(sab.OFFSET_DOORBELL_DSP), uint32(sab.OFFSET_DOORBELL_AP)
	if owner == sab.RegionOwnerDSP {
		txRegion, rxRegion = rxRegion, txRegion
		kickOff, wakeOff = wakeOff, kickOff
	}
	tx, err := NewRing(mem, layout, txRegion, owner)
	if err != nil {
		return nil, err
	}
	rx, err := NewRing(mem, layout, rxRegion, owner)
	if err != nil {
		return nil, err
	}
	tr, err := sab.NewTranslator(mem, layout.Pool, base)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		owner:      owner,
		layout:     layout,
		tx:         tx,
		rx:         rx,
		translator: tr,
		kick:       NewDoorbell(mem, kickOff),
		wake:       NewDoorbell(mem, wakeOff),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func NewAPEndpoint(mem sab.MemoryProvider, layout sab.Layout, base sab.Addr, opts ...EndpointOption) (*Endpoint, error) {
	return NewEndpoint(mem, layout, sab.RegionOwnerAP, base, opts...)
}

func NewDSPEndpoint(mem sab.MemoryProvider, layout sab.Layout, base sab.Addr, opts ...EndpointOption) (*Endpoint, error) {
	return NewEndpoint(mem, layout, sab.RegionOwnerDSP, base, opts...)
}

// NewEndpointPair builds both sides over one in-process memory with doorbells that
// wake each other without polling.
func NewEndpointPair(mem sab.MemoryProvider, layout sab.Layout, apBase, dspBase sab.Addr) (ap, dsp *Endpoint, err error) {
	toDSP := NewDoorbell(mem, sab.OFFSET_DOORBELL_DSP)
	toAP := NewDoorbell(mem, sab.OFFSET_DOORBELL_AP)
	ap, err = NewAPEndpoint(mem, layout, apBase, WithNotifiers(toDSP, toAP.Reader()))
	if err != nil {
		return nil, nil, err
	}
	dsp, err = NewDSPEndpoint(mem, layout, dspBase, WithNotifiers(toAP, toDSP.Reader()))
	if err != nil {
		return nil, nil, err
	}
	return ap, dsp, nil
}

func (e *Endpoint) Owner() sab.RegionOwner      { return e.owner }
func (e *Endpoint) Layout() sab.Layout          { return e.layout }
func (e *Endpoint) Translator() *sab.Translator { return e.translator }
func (e *Endpoint) Tx() *Ring                   { return e.tx }
func (e *Endpoint) Rx() *Ring                   { return e.rx }

// Send enqueues m and wakes the peer.
func (e *Endpoint) Send(m WireMessage) error {
	if err := e.tx.Enqueue(m); err != nil {
		return err
	}
	e.kick.Notify()
	return nil
}

// Receive dequeues one record. When the ring was full the peer is woken so it can
// publish anything it had to hold back.
func (e *Endpoint) Receive() (WireMessage, bool, error) {
	wasFull := e.rx.Full()
	m, ok, err := e.rx.Dequeue()
	if ok && wasFull {
		e.kick.Notify()
	}
	return m, ok, err
}

// Wait blocks until the peer rings or timeout elapses.
func (e *Endpoint) Wait(timeout time.Duration) bool {
	return e.wake.Wait(timeout)
}

// Kick wakes the peer without sending.
func (e *Endpoint) Kick() {
	e.kick.Notify()
}

// Suspend invalidates both indices owned by this side.
func (e *Endpoint) Suspend() {
	e.tx.Suspend()
	e.rx.Suspend()
}

func (e *Endpoint) Resume() {
	e.tx.Resume()
	e.rx.Resume()
}

func (e *Endpoint) Suspended() bool {
	return e.tx.Suspended() || e.rx.Suspended()
}

// PeerSuspended reports whether the other side has invalidated either direction.
func (e *Endpoint) PeerSuspended() bool {
	return e.tx.PeerSuspended() || e.rx.PeerSuspended()
}

// Close releases closable notifiers.
func (e *Endpoint) Close() error {
	var err error
	notifiers := []Notifier{e.kick}
	if e.wake != e.kick {
		notifiers = append(notifiers, e.wake)
	}
	for _, n := range notifiers {
		if c, ok := n.(interface{ Close() error }); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
