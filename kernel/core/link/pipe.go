package link

import (
	"context"
	"sync"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
)

const pipeDepth = 64

type pipeEnd struct {
	in   <-chan foundation.WireMessage
	out  chan<- foundation.WireMessage
	done chan struct{}
	once *sync.Once
}

// Pipe returns the two ends of an in-process link. Closing either end closes both.
func Pipe() (Link, Link) {
	ab := make(chan foundation.WireMessage, pipeDepth)
	ba := make(chan foundation.WireMessage, pipeDepth)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, done: done, once: once},
		&pipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *pipeEnd) Send(ctx context.Context, w foundation.WireMessage) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- w:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Recv(ctx context.Context) (foundation.WireMessage, error) {
	select {
	case w := <-p.in:
		return w, nil
	case <-p.done:
		return foundation.WireMessage{}, ErrClosed
	case <-ctx.Done():
		return foundation.WireMessage{}, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
