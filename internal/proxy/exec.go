package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code.hybscloud.com/iox"
	"github.com/sony/gobreaker"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// CmdExec sends w and waits for its response. Only one transaction is in
// flight at a time. A negative response status is returned as an error
// alongside the response.
func (p *Proxy) CmdExec(ctx context.Context, w foundation.WireMessage) (foundation.WireMessage, error) {
	return p.execute(ctx, func() (foundation.WireMessage, error) { return w, nil }, nil)
}

// execute runs one transaction. build runs under the transaction lock, so it
// may fill shared control buffers. post, when set, replaces the ring as the
// path to the DSP.
func (p *Proxy) execute(ctx context.Context, build func() (foundation.WireMessage, error), post Mailbox) (foundation.WireMessage, error) {
	if p.g == nil {
		return foundation.WireMessage{}, ErrNotStarted
	}
	if p.closed.Load() {
		return foundation.WireMessage{}, ErrClosed
	}
	p.exec.Lock()
	defer p.exec.Unlock()

	v, err := p.breaker.Execute(func() (interface{}, error) {
		w, err := build()
		if err != nil {
			return foundation.WireMessage{}, err
		}
		return p.transact(ctx, w, post)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.rejected.Add(1)
		return foundation.WireMessage{}, fmt.Errorf("%w: %v", ErrUnresponsive, err)
	}
	rsp, _ := v.(foundation.WireMessage)
	return rsp, err
}

func (p *Proxy) transact(ctx context.Context, w foundation.WireMessage, post Mailbox) (foundation.WireMessage, error) {
	deadline := p.cfg.Clock.Now().Add(p.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.pmu.Lock()
	p.pending = &txn{src: w.Src(), op: w.Opcode.Type()}
	p.pmu.Unlock()

	var err error
	if post != nil {
		err = post.Post(ctx, w)
	} else {
		err = p.transmit(ctx, w, deadline)
	}
	if err != nil {
		p.abandon(false)
		return foundation.WireMessage{}, err
	}
	p.transactions.Add(1)

	timer := p.cfg.Clock.Timer(deadline.Sub(p.cfg.Clock.Now()))
	defer timer.Stop()
	select {
	case rsp := <-p.handoff:
		if _, terr := p.ep.Translator().ToLocal(rsp.Address); terr != nil {
			return rsp, fmt.Errorf("%w: response address %#x", ErrBadDescriptor, rsp.Address)
		}
		return rsp, rsp.Status().Err()
	case <-timer.C:
		p.abandon(true)
		p.timeouts.Add(1)
		p.logger.Warn("transaction timed out", utils.String("request", w.String()))
		return foundation.WireMessage{}, fmt.Errorf("%w: %s", ErrTimeout, w.Opcode)
	case <-ctx.Done():
		p.abandon(true)
		return foundation.WireMessage{}, ctx.Err()
	}
}

// abandon forgets the pending transaction, discarding a response that raced
// in. When the request reached the DSP and its response has not, the response
// is recorded as owed so it cannot answer a later transaction.
func (p *Proxy) abandon(sent bool) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	t := p.pending
	p.pending = nil
	select {
	case <-p.handoff:
		p.stale.Add(1)
	default:
		if sent && t != nil {
			p.owed[*t]++
		}
	}
}

// transmit enqueues w, backing off while the ring is full or suspended.
func (p *Proxy) transmit(ctx context.Context, w foundation.WireMessage, deadline time.Time) error {
	var bo iox.Backoff
	for {
		p.txMu.Lock()
		err := p.ep.Send(w)
		p.txMu.Unlock()
		if err == nil {
			return nil
		}
		if !errors.Is(err, iox.ErrWouldBlock) && !errors.Is(err, foundation.ErrSuspended) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.cfg.Clock.Now().Before(deadline) {
			p.timeouts.Add(1)
			return fmt.Errorf("%w: command ring unavailable: %v", ErrTimeout, err)
		}
		bo.Wait()
	}
}
