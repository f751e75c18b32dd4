package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

const kickTimeout = 100 * time.Millisecond

// Mailbox receives records that arrive on a link and are not kicks.
type Mailbox func(foundation.WireMessage)

// NotifierStats counts link traffic seen by a Notifier.
type NotifierStats struct {
	KicksSent     uint64
	KicksReceived uint64
	Mail          uint64
	Dropped       uint64
}

// Notifier drives a foundation.Endpoint doorbell over a Link. Run must be
// active for Wait to observe the peer.
type Notifier struct {
	l      Link
	logger *utils.Logger
	wake   chan struct{}

	mu      sync.RWMutex
	mailbox Mailbox

	kicksSent atomic.Uint64
	kicksRecv atomic.Uint64
	mail      atomic.Uint64
	dropped   atomic.Uint64
}

func NewNotifier(l Link, logger *utils.Logger) *Notifier {
	if logger == nil {
		logger = utils.DefaultLogger("link")
	}
	return &Notifier{l: l, logger: logger, wake: make(chan struct{}, 1)}
}

// OnMailbox sets the handler for mailbox records. Records received while no
// handler is set are dropped.
func (n *Notifier) OnMailbox(fn Mailbox) {
	n.mu.Lock()
	n.mailbox = fn
	n.mu.Unlock()
}

// Notify sends a kick. A kick that cannot be sent promptly is dropped; the
// peer polls its rings on its idle timeout.
func (n *Notifier) Notify() {
	ctx, cancel := context.WithTimeout(context.Background(), kickTimeout)
	defer cancel()
	if err := n.l.Send(ctx, Kick); err != nil {
		n.dropped.Add(1)
		if !errors.Is(err, ErrClosed) {
			n.logger.Debug("kick dropped", utils.Err(err))
		}
		return
	}
	n.kicksSent.Add(1)
}

func (n *Notifier) Wait(timeout time.Duration) bool {
	select {
	case <-n.wake:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-n.wake:
		return true
	case <-t.C:
		return false
	}
}

// Post sends w to the peer's mailbox.
func (n *Notifier) Post(ctx context.Context, w foundation.WireMessage) error {
	utils.Bugcheck(!IsKick(w), "kick record posted as mail")
	return n.l.Send(ctx, w)
}

// Run receives until ctx ends or the link closes.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		w, err := n.l.Recv(ctx)
		switch {
		case errors.Is(err, ErrClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrBadFrame):
			n.logger.Warn("bad link frame", utils.Err(err))
			continue
		case err != nil:
			return err
		}
		if IsKick(w) {
			n.kicksRecv.Add(1)
			select {
			case n.wake <- struct{}{}:
			default:
			}
			continue
		}
		n.mu.RLock()
		fn := n.mailbox
		n.mu.RUnlock()
		if fn == nil {
			n.dropped.Add(1)
			n.logger.Warn("mail dropped without handler", utils.String("record", w.String()))
			continue
		}
		n.mail.Add(1)
		fn(w)
		// Mail is also work for the waiter.
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
}

func (n *Notifier) Stats() NotifierStats {
	return NotifierStats{
		KicksSent:     n.kicksSent.Load(),
		KicksReceived: n.kicksRecv.Load(),
		Mail:          n.mail.Load(),
		Dropped:       n.dropped.Load(),
	}
}

func (n *Notifier) Close() error {
	return n.l.Close()
}
