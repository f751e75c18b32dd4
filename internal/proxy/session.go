package proxy

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/nmxmxh/dspaf/kernel/config"
	"github.com/nmxmxh/dspaf/kernel/core/link"
	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

// Session is an AP process attached to a running DSP node: an endpoint on
// the shared region, the mailbox link, and the proxy driving both.
type Session struct {
	*Proxy
	notifier *link.Notifier
	done     chan error
	once     sync.Once
	err      error
}

// Connect attaches to a region the node has already initialized and dials
// the node's link at cfg.Link.URL. mem stays owned by the caller.
func Connect(ctx context.Context, cfg *config.Config, mem sab.MemoryProvider) (*Session, error) {
	layout, err := sab.Attach(mem)
	if err != nil {
		return nil, fmt.Errorf("proxy: attach: %w", err)
	}
	kick := foundation.NewDoorbell(mem, sab.OFFSET_DOORBELL_DSP)
	wake := foundation.NewDoorbell(mem, sab.OFFSET_DOORBELL_AP)
	ep, err := foundation.NewAPEndpoint(mem, layout, sab.Addr(cfg.Core.APBase), foundation.WithNotifiers(kick, wake))
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}

	l, err := link.Dial(ctx, cfg.Link.URL)
	if err != nil {
		return nil, err
	}
	logger := utils.DefaultLogger("proxy").With(utils.String("node", cfg.Core.NodeID))
	nt := link.NewNotifier(l, logger)

	p, err := New(Config{
		Timeout:          cfg.Proxy.Timeout,
		BreakerThreshold: cfg.Proxy.BreakerThreshold,
		BreakerCooldown:  cfg.Proxy.BreakerCooldown,
		CompletionDepth:  cfg.Proxy.CompletionDepth,
		Clients:          cfg.Registry.Clients,
		Logger:           logger,
	}, ep, nt)
	if err != nil {
		_ = nt.Close()
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		_ = nt.Close()
		return nil, err
	}
	s := &Session{Proxy: p, notifier: nt, done: make(chan error, 1)}
	go func() { s.done <- nt.Run(context.Background()) }()
	return s, nil
}

// Close stops the proxy and drops the link.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.err = multierr.Combine(s.Proxy.Close(), s.notifier.Close(), <-s.done)
	})
	return s.err
}

func (s *Session) Link() link.NotifierStats { return s.notifier.Stats() }
