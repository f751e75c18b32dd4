// Package link carries wire records point to point between the AP and the DSP
// outside the shared rings. It is used for doorbell kicks when the two sides
// live in different processes, and for mailbox records such as RESUME that
// must reach a core whose rings are suspended.
package link

import (
	"context"
	"errors"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
)

var (
	ErrClosed   = errors.New("link: closed")
	ErrBadFrame = errors.New("link: malformed frame")
)

// Link is a bidirectional, ordered record transport.
type Link interface {
	Send(ctx context.Context, w foundation.WireMessage) error
	Recv(ctx context.Context) (foundation.WireMessage, error)
	Close() error
}

// kickType is outside the administrative opcode range, so a kick can never be
// mistaken for a request.
const kickType foundation.OpcodeType = 0x3F

// Kick is the record a Notifier sends to wake its peer.
var Kick = foundation.WireMessage{Opcode: foundation.Opcode(kickType)}

func IsKick(w foundation.WireMessage) bool {
	return w.Session == 0 && w.Opcode == foundation.Opcode(kickType)
}
