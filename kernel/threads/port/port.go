// Package port implements the producer/consumer protocol between components:
// input ports with optional copy-in buffering and output ports with routed
// buffer sub-pools, backpressure and the flush/unroute teardown handshake.
package port

import (
	"github.com/nmxmxh/dspaf/kernel/threads/msg"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

// Dispatcher moves messages on behalf of a port.
type Dispatcher interface {
	// Send delivers m to its destination half.
	Send(m *msg.Message)
	// Complete returns m to its sender with status OK.
	Complete(m *msg.Message)
}

// Allocator backs routed output buffers with shared memory.
type Allocator interface {
	Alloc(size, align uint32) (sab.Addr, []byte, error)
	Free(addr sab.Addr) error
}
