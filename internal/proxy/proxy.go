// Package proxy is the AP-side client of the DSP framework. It mirrors the
// administrative command surface over the shared rings: synchronous
// transactions serialized by one lock, fire-and-forget commands, and
// per-client completion callbacks fed by a background drainer.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"github.com/benbjohnson/clock"
	"github.com/sony/gobreaker"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/registry"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

var (
	ErrTimeout       = errors.New("proxy: timed out waiting for the DSP")
	ErrBadDescriptor = errors.New("proxy: bad buffer descriptor")
	ErrUnresponsive  = errors.New("proxy: DSP unresponsive")
	ErrNotStarted    = errors.New("proxy: not started")
	ErrClosed        = errors.New("proxy: closed")
	ErrNoClients     = errors.New("proxy: client table full")
)

// Mailbox delivers a record to the DSP outside the rings. It carries RESUME
// while the DSP has the rings suspended.
type Mailbox interface {
	Post(ctx context.Context, w foundation.WireMessage) error
}

// MailboxFunc adapts a function to Mailbox.
type MailboxFunc func(ctx context.Context, w foundation.WireMessage) error

func (f MailboxFunc) Post(ctx context.Context, w foundation.WireMessage) error { return f(ctx, w) }

type Config struct {
	// Timeout bounds every synchronous transaction.
	Timeout time.Duration
	// BreakerThreshold consecutive timeouts open the breaker.
	BreakerThreshold uint32
	// BreakerCooldown is how long the breaker stays open before probing again.
	BreakerCooldown time.Duration
	// CompletionDepth is the capacity of each client's completion channel.
	CompletionDepth int
	// PollInterval bounds how long the drainer sleeps between doorbell checks.
	PollInterval time.Duration
	Clients      int
	Clock        clock.Clock
	Logger       *utils.Logger
}

func DefaultConfig() Config {
	return Config{
		Timeout:          2 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  5 * time.Second,
		CompletionDepth:  64,
		PollInterval:     10 * time.Millisecond,
		Clients:          foundation.MaxClients,
	}
}

// Stats reports proxy activity.
type Stats struct {
	Handles      int
	Transactions uint64
	Commands     uint64
	Timeouts     uint64
	Rejected     uint64
	Callbacks    uint64
	Dropped      uint64
	Stale        uint64
	Breaker      string
}

// txn is the one outstanding synchronous transaction. Its response is the
// record addressed to src carrying the same opcode type. It also keys the
// responses still owed by transactions that gave up waiting.
type txn struct {
	src foundation.Half
	op  foundation.OpcodeType
}

type Proxy struct {
	cfg     Config
	id      string
	logger  *utils.Logger
	ep      *foundation.Endpoint
	mailbox Mailbox
	self    foundation.Half
	breaker *gobreaker.CircuitBreaker

	// mu guards the client map.
	mu      sync.Mutex
	clients *registry.ClientMap[*Handle]

	exec    sync.Mutex
	txMu    sync.Mutex
	pmu     sync.Mutex
	pending *txn
	owed    map[txn]int
	handoff chan foundation.WireMessage

	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	transactions atomic.Uint64
	commands     atomic.Uint64
	timeouts     atomic.Uint64
	rejected     atomic.Uint64
	callbacks    atomic.Uint64
	dropped      atomic.Uint64
	stale        atomic.Uint64
}

type Option func(*Proxy)

// WithMailbox sets the point-to-point path used for RESUME.
func WithMailbox(m Mailbox) Option {
	return func(p *Proxy) { p.mailbox = m }
}

// New builds a proxy on the AP endpoint ep. mailbox may be nil, in which case
// RESUME travels on the command ring.
func New(cfg Config, ep *foundation.Endpoint, mailbox Mailbox, opts ...Option) (*Proxy, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if cfg.CompletionDepth <= 0 {
		cfg.CompletionDepth = def.CompletionDepth
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Clients <= 0 || cfg.Clients > foundation.MaxClients {
		cfg.Clients = def.Clients
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if ep == nil {
		return nil, errors.New("proxy: nil endpoint")
	}
	clients, err := registry.NewClientMap[*Handle](cfg.Clients)
	if err != nil {
		return nil, err
	}

	id := utils.ShortID()
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("proxy")
	}
	p := &Proxy{
		cfg:     cfg,
		id:      id,
		logger:  cfg.Logger.With(utils.String("proxy", id)),
		ep:      ep,
		mailbox: mailbox,
		self:    foundation.ProxyHalf(foundation.CoreAP),
		clients: clients,
		owed:    make(map[txn]int),
		handoff: make(chan foundation.WireMessage, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dsp-" + id,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTimeout)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("dsp breaker state changed",
				utils.String("from", from.String()), utils.String("to", to.String()))
		},
	})
	return p, nil
}

func (p *Proxy) ID() string { return p.id }

// Start launches the transport drainer. Client workers join the same group.
func (p *Proxy) Start(ctx context.Context) error {
	if p.g != nil {
		return errors.New("proxy: already started")
	}
	if p.closed.Load() {
		return ErrClosed
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.g, p.ctx = errgroup.WithContext(p.ctx)
	p.g.Go(func() error { return p.drain(p.ctx) })
	p.logger.Info("proxy started", utils.Duration("timeout", p.cfg.Timeout))
	return nil
}

// Close stops the drainer and every client worker. Handles still open are
// abandoned; their DSP components stay registered.
func (p *Proxy) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if p.g != nil {
		p.cancel()
		err = p.g.Wait()
	}
	p.mu.Lock()
	open := p.clients.Len()
	p.clients.Each(func(_ uint8, h *Handle) bool {
		h.stop()
		return true
	})
	p.mu.Unlock()
	if open > 0 {
		p.logger.Warn("proxy closed with open handles", utils.Int("handles", open))
	}
	err = multierr.Append(err, p.ep.Close())
	p.logger.Info("proxy closed", utils.Err(err))
	return err
}

func (p *Proxy) Stats() Stats {
	p.mu.Lock()
	handles := p.clients.Len()
	p.mu.Unlock()
	return Stats{
		Handles:      handles,
		Transactions: p.transactions.Load(),
		Commands:     p.commands.Load(),
		Timeouts:     p.timeouts.Load(),
		Rejected:     p.rejected.Load(),
		Callbacks:    p.callbacks.Load(),
		Dropped:      p.dropped.Load(),
		Stale:        p.stale.Load(),
		Breaker:      p.breaker.State().String(),
	}
}

// drain takes every record off the response ring and routes it to the
// waiting transaction or to a client.
func (p *Proxy) drain(ctx context.Context) error {
	var bo iox.Backoff
	for ctx.Err() == nil {
		w, ok, err := p.ep.Receive()
		switch {
		case errors.Is(err, foundation.ErrSuspended):
			bo.Wait()
			continue
		case err != nil:
			p.logger.Error("response ring read failed", utils.Err(err))
			return fmt.Errorf("proxy: drain: %w", err)
		case !ok:
			bo = iox.Backoff{}
			p.ep.Wait(p.cfg.PollInterval)
			continue
		}
		bo = iox.Backoff{}
		p.demux(w)
	}
	return nil
}

func (p *Proxy) demux(w foundation.WireMessage) {
	key := txn{src: w.Dst(), op: w.Opcode.Type()}
	p.pmu.Lock()
	if n := p.owed[key]; n > 0 {
		// The DSP answers in order, so this belongs to an abandoned request.
		if n == 1 {
			delete(p.owed, key)
		} else {
			p.owed[key] = n - 1
		}
		p.pmu.Unlock()
		p.stale.Add(1)
		p.logger.Debug("late response discarded", utils.String("record", w.String()))
		return
	}
	if t := p.pending; t != nil && key == *t {
		p.pending = nil
		p.handoff <- w
		p.pmu.Unlock()
		return
	}
	p.pmu.Unlock()

	dst := w.Dst()
	if dst.Proxy() {
		p.stale.Add(1)
		p.logger.Warn("response without a waiting transaction", utils.String("record", w.String()))
		return
	}
	p.mu.Lock()
	h, ok := p.clients.Lookup(dst.Client())
	p.mu.Unlock()
	if !ok {
		p.dropped.Add(1)
		p.logger.Warn("response for unknown client", utils.String("record", w.String()))
		return
	}
	h.deliver(w)
}
